package libhttp

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/avakar/libhttp/internal/httpdate"
)

// Middleware wraps a Handler with additional behaviour.
type Middleware func(Handler) Handler

// Chain combines middlewares into one; the first middleware is the
// outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Logging returns a middleware that logs one line per request: method,
// path, status and duration. A nil logger uses the standard one.
func Logging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Handler) Handler {
		return func(req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next(req)
			duration := time.Since(start)

			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			if err != nil {
				logger.Printf("%s %s -> %d (%v) error=%q", req.Method, req.Path, status, duration, err.Error())
			} else {
				logger.Printf("%s %s -> %d (%v)", req.Method, req.Path, status, duration)
			}
			return resp, err
		}
	}
}

// Recovery returns a middleware that converts a handler panic into a 500
// response so the connection survives.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return func(req *Request) (resp *Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = &Response{
						StatusCode:    500,
						Headers:       []Header{{"content-type", "text/plain"}},
						ContentLength: int64(len("Internal Server Error")),
						Body:          strings.NewReader("Internal Server Error"),
					}
					err = nil
				}
			}()
			return next(req)
		}
	}
}

// RequestID returns a middleware that stamps every response with an
// x-request-id header, generating a UUID when the client did not send one.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return func(req *Request) (*Response, error) {
			id, ok := req.Headers.GetSingle("x-request-id")
			if !ok {
				id = uuid.NewString()
			}

			resp, err := next(req)
			if resp != nil {
				resp.Headers = append(resp.Headers, Header{"x-request-id", id})
			}
			return resp, err
		}
	}
}

// DateHeader returns a middleware that adds the cached date header to
// every response.
func DateHeader() Middleware {
	return func(next Handler) Handler {
		return func(req *Request) (*Response, error) {
			resp, err := next(req)
			if resp != nil {
				resp.Headers = append(resp.Headers, Header{"date", httpdate.Current()})
			}
			return resp, err
		}
	}
}

// CompressConfig configures the Compress middleware.
type CompressConfig struct {
	// MinSize is the smallest body worth compressing.
	MinSize int
	// ExcludedTypes lists content-type prefixes left uncompressed.
	ExcludedTypes []string
}

// DefaultCompressConfig returns the default compression settings.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware compressing response bodies when the
// client advertises support, preferring brotli, then zstd, then gzip.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a compression middleware with explicit
// settings. Responses with unknown content length are buffered to decide
// whether they meet MinSize.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}

	return func(next Handler) Handler {
		return func(req *Request) (*Response, error) {
			resp, err := next(req)
			if err != nil || resp == nil || resp.Body == nil {
				return resp, err
			}

			acceptEncoding := strings.Join(req.Headers.Values("accept-encoding"), ", ")
			encoding := pickEncoding(acceptEncoding)
			if encoding == "" {
				return resp, err
			}

			for _, h := range resp.Headers {
				if CompareHeaderName(h.Name, "content-encoding") == 0 {
					return resp, err
				}
				if CompareHeaderName(h.Name, "content-type") == 0 && excludedType(h.Value, config.ExcludedTypes) {
					return resp, err
				}
			}

			body, rerr := io.ReadAll(resp.Body)
			if rerr != nil {
				return nil, rerr
			}
			if len(body) < config.MinSize {
				resp.Body = bytes.NewReader(body)
				resp.ContentLength = int64(len(body))
				return resp, err
			}

			compressed, cerr := compressBody(encoding, body)
			if cerr != nil || len(compressed) >= len(body) {
				resp.Body = bytes.NewReader(body)
				resp.ContentLength = int64(len(body))
				return resp, err
			}

			resp.Body = bytes.NewReader(compressed)
			resp.ContentLength = int64(len(compressed))
			resp.Headers = append(resp.Headers,
				Header{"content-encoding", encoding},
				Header{"vary", "accept-encoding"},
			)
			return resp, err
		}
	}
}

func pickEncoding(acceptEncoding string) string {
	switch {
	case strings.Contains(acceptEncoding, "br"):
		return "br"
	case strings.Contains(acceptEncoding, "zstd"):
		return "zstd"
	case strings.Contains(acceptEncoding, "gzip"):
		return "gzip"
	default:
		return ""
	}
}

func excludedType(contentType string, excluded []string) bool {
	for _, prefix := range excluded {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func compressBody(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("libhttp: unknown encoding %q", encoding)
	}
	return buf.Bytes(), nil
}
