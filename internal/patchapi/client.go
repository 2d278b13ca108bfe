// internal/patchapi/client.go
// Package patchapi provides a client for the remote Patch API.
// It turns a query descriptor into a paginated list request and validates
// the list envelope before handing rows to a view.
package patchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
	"github.com/RegistryAccord/patchview-go/internal/schema"
)

// maxBodyBytes bounds the size of a list response, select-all pages included.
const maxBodyBytes = 64 << 20

// Client for the remote Patch API.
type Client struct {
	base      *url.URL          // Base URL of the Patch API, e.g. https://console/api/patch/v1
	hc        *http.Client      // HTTP client with custom configuration
	validator *schema.Validator // List envelope validator
}

// RemoteError is a non-2xx answer of the Patch API.
type RemoteError struct {
	Status int    // HTTP status code
	detail string // Remote "detail" message
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("patch api answered %d: %s", e.Status, e.detail)
}

// Detail returns the remote detail message shown to the user.
func (e *RemoteError) Detail() string {
	return e.detail
}

// New creates a new Patch API client with the specified base URL.
// Parameters:
//   - baseURL: Base URL of the Patch API
//   - validator: Envelope validator
//
// Returns:
//   - *Client: Initialized client
//   - error: If the base URL is not absolute
func New(baseURL string, validator *schema.Validator) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid patch api url %q", baseURL)
	}

	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 16,
	}

	// Per-fetch deadlines come from the caller's context
	return &Client{
		base:      u,
		hc:        &http.Client{Transport: transport, Timeout: 60 * time.Second},
		validator: validator,
	}, nil
}

// Encode renders d as the Patch API query string. A single filter value is sent
// as filter[f]=v, several as filter[f]=in:v1,v2.
func Encode(d query.Descriptor) url.Values {
	q := url.Values{}
	for _, field := range d.FilterFields() {
		values := d.Filter[field]
		switch len(values) {
		case 0:
		case 1:
			q.Set("filter["+field+"]", values[0])
		default:
			q.Set("filter["+field+"]", "in:"+strings.Join(values, ","))
		}
	}
	if d.Search != "" {
		q.Set("search", d.Search)
	}
	if d.Sort != "" {
		q.Set("sort", d.Sort)
	}
	q.Set("limit", strconv.Itoa(d.Limit))
	q.Set("offset", strconv.Itoa(d.Offset))
	return q
}

// List fetches one page of a collection.
// Parameters:
//   - ctx: Context for the request, carries the per-fetch deadline
//   - collection: Collection name used to pick the envelope schema
//   - path: Collection path below the base URL
//   - d: Query descriptor
//
// Returns:
//   - *model.ListResponse: The validated page
//   - error: *RemoteError for non-2xx answers, PV_UPSTREAM for malformed ones
func (c *Client) List(ctx context.Context, collection, path string, d query.Descriptor) (*model.ListResponse, error) {
	ctx, span := otel.Tracer("patchview-service").Start(ctx, "patchapi.Client.List")
	defer span.End()

	// Construct the request URL
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = Encode(d).Encode()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("http.url", u.String()),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.PV_INTERNAL, "failed to build patch api request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.PV_UPSTREAM, "failed to read patch api response", err)
	}

	// Handle different response status codes
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RemoteError{Status: resp.StatusCode, detail: remoteDetail(resp.Status, body)}
		span.SetStatus(codes.Error, rerr.detail)
		return nil, rerr
	}

	if _, err := c.validator.Validate(collection, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid envelope")
		return nil, err
	}
	var out model.ListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errordefs.Wrap(errordefs.PV_UPSTREAM, "failed to decode patch api response", err)
	}
	span.SetAttributes(attribute.Int("rows", len(out.Data)), attribute.Int("total_items", out.Meta.TotalItems))
	return &out, nil
}

// remoteDetail extracts {"detail"} or {"errors":[{"detail"}]} from an error body.
func remoteDetail(status string, body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		for _, e := range payload.Errors {
			if e.Detail != "" {
				return e.Detail
			}
		}
	}
	return status
}
