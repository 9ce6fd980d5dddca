package site

import (
	"net/url"
	"strconv"
	"strings"
)

// SearchURL expands a search URL template. Supported placeholders are
// {query}, {location}, {page} (1-based) and {offset} ((page-1)*pageSize).
// Query and location are query-escaped.
func SearchURL(template, query, location string, page, pageSize int) string {
	if page < 1 {
		page = 1
	}
	r := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{location}", url.QueryEscape(location),
		"{page}", strconv.Itoa(page),
		"{offset}", strconv.Itoa((page-1)*pageSize),
	)
	return r.Replace(template)
}
