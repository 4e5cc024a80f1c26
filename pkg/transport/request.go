// Package transport performs single HTTP exchanges with the provider API.
//
// A Transport never retries: retrying, throttling and classification belong
// to the executor that drives it.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// unencodable numbers bodies that cannot be encoded, so their fingerprints
// never match.
var unencodable atomic.Uint64

// Request describes one logical API call.
type Request struct {
	// Method is the HTTP method (GET when empty).
	Method string

	// Path is the API path relative to the base URL (e.g. "/groups/grp_1/members").
	Path string

	// Query holds the query parameters.
	Query url.Values

	// Body is encoded as JSON when non-nil.
	Body any
}

// Get builds a GET request for path with optional query parameters.
func Get(path string, query url.Values) Request {
	return Request{Method: http.MethodGet, Path: path, Query: query}
}

// NormalizedMethod returns the upper-case method, defaulting to GET.
func (r Request) NormalizedMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// NormalizedPath returns the path with exactly one leading slash and no
// trailing slash.
func (r Request) NormalizedPath() string {
	return "/" + strings.Trim(r.Path, "/")
}

// Fingerprint returns a deterministic identity for the request. Two requests
// with the same method, path, query parameters (in any order) and JSON body
// (in any key order) share a fingerprint.
//
// Format: METHOD /path?k1=v1&k2=v2#{"canonical":"body"}
//
// Example:
//
//	GET /groups/grp_1/members?n=100&offset=0
func (r Request) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.NormalizedMethod())
	b.WriteByte(' ')
	b.WriteString(r.NormalizedPath())

	// url.Values.Encode sorts by key.
	if len(r.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(r.Query.Encode())
	}

	if r.Body != nil {
		body, err := canonicalJSON(r.Body)
		if err != nil {
			body = []byte(fmt.Sprintf("!unencodable-%d", unencodable.Add(1)))
		}
		b.WriteByte('#')
		b.Write(body)
	}

	return b.String()
}

// canonicalJSON encodes v with object keys sorted at every level.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Response is the outcome of a single exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body (status %d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
