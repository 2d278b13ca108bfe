// Package rbac decides whether a caller's granted permissions cover the
// permissions a collection requires.
//
// Permissions have the form app:resource:verb. A "*" segment on either side
// matches any value in that position, so a grant of patch:*:* covers a
// requirement of patch:systems:read, and a requirement of patch:*:read is met
// by any read grant in the patch app.
package rbac

import "strings"

const wildcard = "*"

// Permission is a parsed app:resource:verb triple.
type Permission struct {
	App      string
	Resource string
	Verb     string
}

// Parse splits s into its three segments. ok is false when s is not a
// well-formed triple.
func Parse(s string) (p Permission, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Permission{}, false
	}
	for _, part := range parts {
		if part == "" {
			return Permission{}, false
		}
	}
	return Permission{App: parts[0], Resource: parts[1], Verb: parts[2]}, true
}

func (p Permission) String() string {
	return p.App + ":" + p.Resource + ":" + p.Verb
}

func segmentMatch(granted, required string) bool {
	return granted == wildcard || required == wildcard || granted == required
}

// Covers reports whether granted satisfies required.
func (p Permission) Covers(required Permission) bool {
	return segmentMatch(p.App, required.App) &&
		segmentMatch(p.Resource, required.Resource) &&
		segmentMatch(p.Verb, required.Verb)
}

// Allowed reports whether every required permission is covered by at least
// one granted permission. Malformed entries on either side never match.
func Allowed(granted, required []string) bool {
	parsed := make([]Permission, 0, len(granted))
	for _, g := range granted {
		if p, ok := Parse(g); ok {
			parsed = append(parsed, p)
		}
	}

	for _, r := range required {
		req, ok := Parse(r)
		if !ok {
			return false
		}
		covered := false
		for _, g := range parsed {
			if g.Covers(req) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// Missing returns the required permissions granted does not cover.
func Missing(granted, required []string) []string {
	var out []string
	for _, r := range required {
		if !Allowed(granted, []string{r}) {
			out = append(out, r)
		}
	}
	return out
}
