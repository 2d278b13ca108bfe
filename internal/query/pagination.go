package query

// PagePerPage converts the limit/offset window into the 1-based page and page size
// the table widget displays.
func PagePerPage(limit, offset int) (page, perPage int) {
	if limit <= 0 {
		return 1, DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return offset/limit + 1, limit
}

// SetPage patches the offset for the given 1-based page.
func SetPage(page, perPage int) Patch {
	if page < 1 {
		page = 1
	}
	return Patch{Offset: intPtr((page - 1) * perPage)}
}

// SetPerPage patches the page size and returns to the first page.
func SetPerPage(perPage int) Patch {
	return Patch{Limit: intPtr(perPage), Offset: intPtr(0)}
}
