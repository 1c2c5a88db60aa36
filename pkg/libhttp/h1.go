package libhttp

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// headerBufSize bounds the request head (request line plus headers); a head
// that does not fit is answered with 413.
const headerBufSize = 64 * 1024

const writeBufSize = 64 * 1024

// Serve drives HTTP/1.1 keep-alive on a single connection: it parses
// requests from src, invokes handler for each and writes responses to
// sink, until the peer closes or a parse error forces termination. A
// handler failure produces a 500 and keeps the connection alive; transport
// failures are returned to the caller.
func Serve(src io.Reader, sink io.Writer, handler Handler) error {
	c := &h1conn{
		src:      src,
		sink:     sink,
		buf:      make([]byte, headerBufSize),
		writeBuf: make([]byte, writeBufSize),
	}
	return c.serve(handler)
}

type h1conn struct {
	src  io.Reader
	sink io.Writer

	// buf holds the request head plus whatever the transport delivered
	// beyond it; cur..last is the unconsumed window.
	buf  []byte
	cur  int
	last int

	writeBuf []byte
	readErr  error // sticky transport error from src
}

// parse outcomes for one request head
type parseStatus int

const (
	parseOK        parseStatus = iota
	parseClosed                // peer closed before any byte of this request
	parseMalformed             // bad request line or header line
	parseTooLarge              // head does not fit the buffer
)

func (c *h1conn) serve(handler Handler) error {
	for {
		c.cur = 0

		req, status := c.parseRequest()
		switch status {
		case parseClosed:
			return c.readErr
		case parseTooLarge:
			return c.sendResponse(Abort(413))
		case parseMalformed:
			if c.readErr != nil {
				return c.readErr
			}
			return c.sendResponse(Abort(400))
		}

		req.Headers.Sort()

		pre := &prebuf{b: c.buf[c.cur:c.last]}
		body, ok := c.selectBody(req, pre)
		if !ok {
			return c.sendResponse(Abort(400))
		}
		req.Body = body

		resp, err := dispatch(handler, req)
		if err != nil {
			resp = errorResponse(err)
		}

		if err := c.sendResponse(resp); err != nil {
			return err
		}

		// Whatever the handler left unread must be consumed so the next
		// request parses from a clean boundary.
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}

		if wantsClose(req.Headers) {
			return nil
		}

		// Bytes past the current request belong to the next pipelined one;
		// move them to the front of the buffer.
		c.last = copy(c.buf, pre.b)
	}
}

// dispatch invokes the handler, converting a panic into an empty 500.
func dispatch(handler Handler, req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = Abort(500)
			err = nil
		}
	}()
	return handler(req)
}

func errorResponse(err error) *Response {
	msg := err.Error()
	return &Response{
		StatusCode:    500,
		Headers:       []Header{{"content-type", "text/plain"}},
		ContentLength: int64(len(msg)),
		Body:          strings.NewReader(msg),
	}
}

// preload tops up the buffer when the parse cursor has caught up with the
// received bytes. It reports false at end of input or when the buffer is
// full.
func (c *h1conn) preload() bool {
	if c.cur < c.last {
		return true
	}
	if c.last == len(c.buf) {
		return false
	}
	n, err := c.src.Read(c.buf[c.last:])
	c.last += n
	if err != nil && err != io.EOF {
		c.readErr = err
	}
	return n > 0
}

// consume advances past ch when it is the next byte.
func (c *h1conn) consume(ch byte) bool {
	if !c.preload() || c.buf[c.cur] != ch {
		return false
	}
	c.cur++
	return true
}

// parseUntil returns the bytes up to the next sep, consuming the separator
// as well. ok is false when input ends or the buffer fills first.
func (c *h1conn) parseUntil(sep byte) ([]byte, bool) {
	first := c.cur
	for {
		if !c.preload() {
			c.cur = first
			return nil, false
		}
		if c.buf[c.cur] == sep {
			tok := c.buf[first:c.cur]
			c.cur++
			return tok, true
		}
		c.cur++
	}
}

// parseRequest reads one request head: the request line and headers up to
// the blank line. Header names and values are copied out of the buffer so
// the request may outlive it.
func (c *h1conn) parseRequest() (*Request, parseStatus) {
	if !c.preload() {
		if c.last == 0 {
			return nil, parseClosed
		}
		if c.last == len(c.buf) {
			return nil, parseTooLarge
		}
		return nil, parseMalformed
	}

	fail := func() parseStatus {
		if c.last == len(c.buf) {
			return parseTooLarge
		}
		return parseMalformed
	}

	method, ok := c.parseUntil(' ')
	if !ok {
		return nil, fail()
	}
	path, ok := c.parseUntil(' ')
	if !ok {
		return nil, fail()
	}
	version, ok := c.parseUntil('\r')
	if !ok || !c.consume('\n') {
		return nil, fail()
	}
	if string(version) != "HTTP/1.1" {
		return nil, parseMalformed
	}

	req := &Request{
		Method: string(method),
		Path:   string(path),
	}

	for {
		line, ok := c.parseUntil('\r')
		if !ok || !c.consume('\n') {
			return nil, fail()
		}
		if len(line) == 0 {
			return req, parseOK
		}

		colon := -1
		for i, ch := range line {
			if ch == ':' {
				colon = i
				break
			}
		}
		if colon < 0 {
			return nil, parseMalformed
		}
		req.Headers = append(req.Headers, Header{
			Name:  string(line[:colon]),
			Value: string(trimOWS(line[colon+1:])),
		})
	}
}

// trimOWS strips leading and trailing SP and HT.
func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// selectBody picks the request body stream. Only POST and PUT carry
// bodies; a single well-formed content-length selects a fixed stream,
// otherwise transfer-encoding headers must name exactly the one token
// "chunked". ok is false when the transfer-encoding combination is
// invalid.
func (c *h1conn) selectBody(req *Request, pre *prebuf) (io.Reader, bool) {
	hasBody := req.Method == "POST" || req.Method == "PUT"
	if !hasBody {
		return &fixedBody{pre: pre, src: c.src, limit: 0}, true
	}

	if cl, ok := req.Headers.GetSingle("content-length"); ok {
		if n, ok := parseDecimal(cl); ok {
			return &fixedBody{pre: pre, src: c.src, limit: n}, true
		}
	}

	chunked := false
	for _, tok := range req.Headers.Values("transfer-encoding") {
		if chunked || tok != "chunked" {
			return nil, false
		}
		chunked = true
	}
	if chunked {
		return &chunkedBody{pre: pre, src: c.src}, true
	}
	return &fixedBody{pre: pre, src: c.src, limit: 0}, true
}

// parseDecimal parses a non-negative decimal integer, rejecting empty
// input, non-digits and overflow.
func parseDecimal(s string) (uint64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	var r uint64
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		d := uint64(ch - '0')
		if r > (1<<64-1-d)/10 {
			return 0, false
		}
		r = r*10 + d
	}
	return r, true
}

// wantsClose reports whether any connection header asks to close.
func wantsClose(headers HeaderList) bool {
	for _, v := range headers.Values("connection") {
		if strings.EqualFold(v, "close") {
			return true
		}
	}
	return false
}

// sendResponse serialises resp: status line, headers with the framing
// header appended, blank line, then the body either verbatim
// (content-length known) or chunk-framed.
func (c *h1conn) sendResponse(resp *Response) error {
	contentLength := resp.ContentLength
	if resp.Body == nil {
		contentLength = 0
	}

	text := resp.StatusText
	if text == "" {
		text = statusText(resp.StatusCode)
	}

	head := c.writeBuf[:0]
	head = append(head, "HTTP/1.1 "...)
	head = strconv.AppendInt(head, int64(resp.StatusCode), 10)
	head = append(head, ' ')
	head = append(head, text...)
	head = append(head, "\r\n"...)

	for _, h := range resp.Headers {
		head = appendHeaderLine(head, h.Name, h.Value)
	}
	if contentLength != ContentLengthUnknown {
		head = appendHeaderLine(head, "content-length", strconv.FormatInt(contentLength, 10))
	} else {
		head = appendHeaderLine(head, "transfer-encoding", "chunked")
	}
	head = append(head, "\r\n"...)

	if _, err := c.sink.Write(head); err != nil {
		return err
	}

	if contentLength != ContentLengthUnknown {
		if contentLength == 0 {
			return nil
		}
		n, err := io.CopyBuffer(c.sink, io.LimitReader(resp.Body, contentLength), c.writeBuf)
		if err != nil {
			return err
		}
		if n != contentLength {
			return fmt.Errorf("libhttp: response body ended after %d of %d bytes: %w",
				n, contentLength, io.ErrUnexpectedEOF)
		}
		return nil
	}

	return writeChunked(c.sink, resp.Body, c.writeBuf)
}

func appendHeaderLine(buf []byte, name, value string) []byte {
	buf = append(buf, name...)
	buf = append(buf, ": "...)
	buf = append(buf, value...)
	return append(buf, "\r\n"...)
}

// writeChunked streams body as chunked transfer encoding: every non-empty
// read becomes one chunk with a lowercase hex size line, closed by the
// zero chunk.
func writeChunked(w io.Writer, body io.Reader, buf []byte) error {
	var sizeLine [18]byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			line := strconv.AppendUint(sizeLine[:0], uint64(n), 16)
			line = append(line, "\r\n"...)
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if _, werr := w.Write([]byte("\r\n")); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			_, werr := w.Write([]byte("0\r\n\r\n"))
			return werr
		}
		if err != nil {
			return err
		}
	}
}
