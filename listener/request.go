package listener

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Request is the runtime-agnostic view of an inbound HTTP request that gets
// handed to the protocol handler. It is built fresh for every request and
// discarded when the cycle ends.
type Request struct {
	// URL is the full request URI, including the query string.
	URL    string
	Method string

	// Headers is a canonicalized copy; mutating it does not touch the
	// underlying *http.Request.
	Headers map[string][]string

	// Raw is the original inbound request, for handler-specific extensions
	// (cookies, TLS state, etc). Handlers should not read Raw.Body directly;
	// use Body() instead.
	Raw *http.Request

	// Context is the inbound request's context.
	Context context.Context

	// Meta is an opaque caller-supplied value set at adapter construction.
	Meta any

	bodyOnce sync.Once
	body     string
	bodyErr  error
}

// Response is what the protocol handler returns: a body plus the metadata
// needed to materialize it on the host response.
type Response struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       string
}

// Handler is the external protocol handler function. It may return an error
// or panic; the adapter contains both.
type Handler func(*Request) (*Response, error)

// Body drains the inbound body and returns it as a string. The drain happens
// on the first call only; later calls within the same cycle get the memoized
// result. Handlers that never need the body never pay for the read.
func (r *Request) Body() (string, error) {
	r.bodyOnce.Do(func() {
		if r.Raw == nil || r.Raw.Body == nil {
			return
		}
		b, err := io.ReadAll(r.Raw.Body)
		_ = r.Raw.Body.Close()
		r.body = string(b)
		r.bodyErr = err
	})
	return r.body, r.bodyErr
}

// newRequest builds the normalized descriptor from the inbound request.
// Headers are copied with canonical names so we don't share backing arrays
// with r.Header, and Host / X-Forwarded-For / X-Request-Id are filled in the
// way a proxy would expect.
func newRequest(r *http.Request, meta any) *Request {
	headers := make(map[string][]string, len(r.Header)+3)

	for name, values := range r.Header {
		canonical := http.CanonicalHeaderKey(name)

		copied := make([]string, len(values))
		copy(copied, values)

		headers[canonical] = copied
	}

	// ensure Host is present
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if host != "" {
		headers["Host"] = []string{host}
	}

	// add / extend X-Forwarded-For with the direct client IP
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		if existing, ok := headers["X-Forwarded-For"]; ok && len(existing) > 0 {
			headers["X-Forwarded-For"] = []string{existing[0] + ", " + ip}
		} else {
			headers["X-Forwarded-For"] = []string{ip}
		}
	}

	// Attach X-Request-Id if the client didn't send one
	if _, ok := headers["X-Request-Id"]; !ok {
		headers["X-Request-Id"] = []string{uuid.New().String()}
	}

	// Preserve the full RequestURI (includes query string)
	url := ""
	if r.URL != nil {
		url = r.URL.RequestURI()
		if url == "" {
			url = r.URL.Path
		}
	}

	return &Request{
		URL:     url,
		Method:  r.Method,
		Headers: headers,
		Raw:     r,
		Context: r.Context(),
		Meta:    meta,
	}
}

// RequestID returns the request's X-Request-Id header, for log correlation.
func (r *Request) RequestID() string {
	if ids := r.Headers["X-Request-Id"]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}
