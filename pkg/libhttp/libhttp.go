// Package libhttp is an embeddable HTTP server core. It consumes a byte
// stream, dispatches parsed requests to a user handler and writes the
// handler's response back, speaking either HTTP/1.1 (Serve) or HTTP/2
// (ServeH2) over the same abstract transport. The transport itself — TCP
// accept loops, TLS, process startup — is the caller's concern; see
// internal/transport for a ready-made gnet acceptor.
package libhttp

import (
	"io"
	"strings"
)

// ContentLengthUnknown marks a response whose body length is not known up
// front; HTTP/1.1 streams such bodies with chunked transfer encoding.
const ContentLengthUnknown int64 = -1

// Request is a single parsed request. Headers is sorted by
// case-insensitive name. Body never is nil; it reads empty when no body is
// expected.
type Request struct {
	Method  string
	Path    string
	Headers HeaderList
	Body    io.Reader
}

// Response describes what to send back. Headers go to the wire in slice
// order. When StatusText is empty it is looked up from the status code.
// ContentLength is either the exact body size or ContentLengthUnknown.
type Response struct {
	StatusCode    int
	StatusText    string
	Headers       []Header
	ContentLength int64
	Body          io.Reader
}

// Handler produces a response for a request. A returned error becomes a
// 500 response carrying the error text; the connection stays alive.
type Handler func(*Request) (*Response, error)

// NewResponse returns a 200 text/plain response with the given body.
func NewResponse(body string) *Response {
	return &Response{
		StatusCode:    200,
		Headers:       []Header{{"content-type", "text/plain"}},
		ContentLength: int64(len(body)),
		Body:          strings.NewReader(body),
	}
}

// NewReaderResponse returns a 200 response streaming body. Pass
// ContentLengthUnknown to stream with chunked transfer encoding.
func NewReaderResponse(body io.Reader, contentLength int64, headers ...Header) *Response {
	return &Response{
		StatusCode:    200,
		Headers:       headers,
		ContentLength: contentLength,
		Body:          body,
	}
}

// Abort returns an empty response with the given status code.
func Abort(statusCode int) *Response {
	return &Response{StatusCode: statusCode}
}

// statusText returns the reason phrase for common status codes.
func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 410:
		return "Gone"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "No Status Text"
	}
}
