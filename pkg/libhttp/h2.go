package libhttp

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/avakar/libhttp/internal/h2/frame"
	"github.com/avakar/libhttp/internal/hpack"
)

// ServeH2 drives HTTP/2 on a single connection. The calling goroutine is
// the reader: it parses frames, runs the stream state machine, decodes
// header blocks and dispatches requests. A dedicated sender goroutine owns
// sink; the reader never writes to the transport. Any protocol violation
// terminates the connection after a GOAWAY carrying the matching error
// code.
func ServeH2(src io.Reader, sink io.Writer, handler Handler) error {
	var preface [len(frame.Preface)]byte
	if _, err := io.ReadFull(src, preface[:]); err != nil {
		return fmt.Errorf("libhttp: reading client preface: %w", err)
	}
	if string(preface[:]) != frame.Preface {
		return fmt.Errorf("libhttp: invalid client preface")
	}

	c := &h2conn{
		src:     src,
		sink:    sink,
		handler: handler,

		streams:          make(map[uint32]*h2stream),
		nextClientStream: 1,
		decoder:          hpack.NewDecoder(initialHeaderTableSize),
		peerSettings:     frame.DefaultSettings(),

		senderDone: make(chan struct{}),
	}
	c.sendReady = sync.NewCond(&c.sendMu)
	c.stagedSettings = frame.DefaultSettings()

	// The sender starts only after the preface checked out; its very first
	// frame is the server's own SETTINGS. The in-flight count is raised
	// before the sender runs so an ACK can never be observed early.
	c.settingsInFlight.Store(1)
	go c.sender()
	defer func() {
		c.sendMu.Lock()
		c.sendDone = true
		c.sendReady.Signal()
		c.sendMu.Unlock()
		<-c.senderDone
	}()

	return c.readLoop()
}

// initialHeaderTableSize is the dynamic table ceiling this server
// announces; the HPACK decoder is fixed to it at connection setup.
const initialHeaderTableSize = 4096

// h2stream is the per-stream state: the header block accumulated across
// CONTINUATION frames, the decoded headers once complete, and the buffered
// request body.
type h2stream struct {
	id             uint32
	headerBlock    []byte
	openFromClient bool
	headers        []hpack.Field
	headersDone    bool
	body           bytes.Buffer
}

type h2conn struct {
	src     io.Reader
	sink    io.Writer
	handler Handler

	// Reader-owned state; the sender never touches it.
	streams          map[uint32]*h2stream
	nextClientStream uint32
	decoder          *hpack.Decoder
	peerSettings     frame.Settings
	lastStream       uint32

	settingsInFlight atomic.Int32

	// Shared sender state, guarded by sendMu. The sender drains pings
	// first, then settings acks (applying stagedSettings at that point),
	// then queued response frames.
	sendMu         sync.Mutex
	sendReady      *sync.Cond
	sendDone       bool
	pings          [][]byte
	settingAcks    int
	stagedSettings frame.Settings
	responses      []queuedResponse
	goaway         *goawayNote
	sendErr        error

	senderDone chan struct{}
}

// queuedResponse is a response handed from the reader to the sender. The
// sender fragments it into HEADERS/CONTINUATION and DATA frames using the
// settings in force at send time.
type queuedResponse struct {
	streamID uint32
	block    []byte // HPACK-encoded header block
	body     []byte
}

// goawayNote is the GOAWAY the sender emits on shutdown. The last stream
// id is captured when the violation is observed, on the reader side.
type goawayNote struct {
	code       frame.ErrCode
	reason     string
	lastStream uint32
}

// connError records the violation for the sender's GOAWAY and returns it
// for the read loop to propagate.
func (c *h2conn) connError(code frame.ErrCode, reason string) error {
	err := frame.ConnError{Code: code, Reason: reason}
	c.sendMu.Lock()
	if c.goaway == nil {
		c.goaway = &goawayNote{code: code, reason: reason, lastStream: c.lastStream}
	}
	c.sendMu.Unlock()
	return err
}

func (c *h2conn) readLoop() error {
	for {
		c.sendMu.Lock()
		err := c.sendErr
		c.sendMu.Unlock()
		if err != nil {
			return err
		}

		hdr, payload, err := c.readFrame()
		if err == io.EOF {
			// Peer closed at a frame boundary.
			return nil
		}
		if err != nil {
			return err
		}

		if err := c.handleFrame(hdr, payload); err != nil {
			return err
		}
	}
}

// readFrame reads one frame header and payload. Frames larger than the
// peer-announced maximum frame size are a connection error.
func (c *h2conn) readFrame() (frame.Header, []byte, error) {
	hdr, err := frame.ReadHeader(c.src)
	if err != nil {
		return frame.Header{}, nil, err
	}
	if hdr.Length > c.peerSettings.MaxFrameSize {
		return frame.Header{}, nil, c.connError(frame.ErrCodeFrameSize, "frame exceeds maximum size")
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(c.src, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return frame.Header{}, nil, err
	}
	return hdr, payload, nil
}

func (c *h2conn) handleFrame(hdr frame.Header, payload []byte) error {
	switch hdr.Type {
	case frame.TypeHeaders:
		return c.handleHeaders(hdr, payload)
	case frame.TypeContinuation:
		// CONTINUATION frames that belong to a header block are consumed
		// inside handleHeaders; one here is orphaned.
		s, ok := c.streams[hdr.StreamID]
		if !ok {
			return c.connError(frame.ErrCodeProtocol, "CONTINUATION for unknown stream")
		}
		s.headerBlock = append(s.headerBlock, payload...)
		return nil
	case frame.TypeData:
		return c.handleData(hdr, payload)
	case frame.TypeSettings:
		return c.handleSettings(hdr, payload)
	case frame.TypePing:
		return c.handlePing(hdr, payload)
	case frame.TypeGoAway:
		if hdr.StreamID != 0 {
			return c.connError(frame.ErrCodeProtocol, "GOAWAY stream id must be 0")
		}
		if hdr.Length < 8 {
			return c.connError(frame.ErrCodeFrameSize, "GOAWAY payload too short")
		}
		// The peer is going away; it will close the transport when done.
		return nil
	case frame.TypeWindowUpdate:
		if hdr.Length != 4 {
			return c.connError(frame.ErrCodeFrameSize, "WINDOW_UPDATE length must be 4")
		}
		// Windows are tracked by settings only; the send path does not
		// enforce them.
		return nil
	case frame.TypePriority:
		if hdr.Length != 5 {
			return c.connError(frame.ErrCodeFrameSize, "PRIORITY length must be 5")
		}
		return nil
	case frame.TypeRSTStream:
		if hdr.Length != 4 {
			return c.connError(frame.ErrCodeFrameSize, "RST_STREAM length must be 4")
		}
		delete(c.streams, hdr.StreamID)
		return nil
	case frame.TypePushPromise:
		// Syntactically accepted; servers never receive pushes they act on.
		return nil
	default:
		// Unknown frame types are ignored.
		return nil
	}
}

func (c *h2conn) handleHeaders(hdr frame.Header, payload []byte) error {
	switch {
	case hdr.StreamID == 0:
		return c.connError(frame.ErrCodeProtocol, "HEADERS on stream 0")
	case hdr.StreamID&1 == 0:
		return c.connError(frame.ErrCodeProtocol, "HEADERS on even stream id")
	case hdr.StreamID < c.nextClientStream:
		return c.connError(frame.ErrCodeProtocol, "client stream ids must increase")
	}

	s := &h2stream{id: hdr.StreamID, openFromClient: true}
	c.streams[hdr.StreamID] = s
	c.nextClientStream = hdr.StreamID + 2
	c.lastStream = hdr.StreamID

	if hdr.Flags.Has(frame.FlagPadded) {
		if len(payload) < 1 {
			return c.connError(frame.ErrCodeProtocol, "padded HEADERS without pad length")
		}
		padLen := int(payload[0])
		payload = payload[1:]
		if padLen > len(payload) {
			return c.connError(frame.ErrCodeProtocol, "HEADERS pad length exceeds payload")
		}
		payload = payload[:len(payload)-padLen]
	}
	if hdr.Flags.Has(frame.FlagPriority) {
		if len(payload) < 6 {
			return c.connError(frame.ErrCodeProtocol, "HEADERS priority fields truncated")
		}
		payload = payload[6:]
	}
	if hdr.Flags.Has(frame.FlagEndStream) {
		s.openFromClient = false
	}

	s.headerBlock = append(s.headerBlock, payload...)

	// The header block continues in CONTINUATION frames until END_HEADERS;
	// no other frame may intervene.
	flags := hdr.Flags
	for !flags.Has(frame.FlagEndHeaders) {
		next, payload, err := c.readFrame()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if next.Type != frame.TypeContinuation || next.StreamID != hdr.StreamID {
			return c.connError(frame.ErrCodeProtocol, "expected CONTINUATION for open header block")
		}
		s.headerBlock = append(s.headerBlock, payload...)
		flags = next.Flags
	}

	fields, err := c.decoder.Decode(nil, s.headerBlock)
	if err != nil {
		return c.connError(frame.ErrCodeCompression, err.Error())
	}
	s.headers = fields
	s.headersDone = true
	s.headerBlock = nil

	if !s.openFromClient {
		return c.dispatch(s)
	}
	return nil
}

func (c *h2conn) handleData(hdr frame.Header, payload []byte) error {
	if hdr.StreamID == 0 {
		return c.connError(frame.ErrCodeProtocol, "DATA on stream 0")
	}
	s, ok := c.streams[hdr.StreamID]
	if !ok || !s.openFromClient {
		return c.connError(frame.ErrCodeStreamClosed, "DATA on closed stream")
	}

	if hdr.Flags.Has(frame.FlagPadded) {
		if len(payload) < 1 {
			return c.connError(frame.ErrCodeProtocol, "padded DATA without pad length")
		}
		padLen := int(payload[0])
		payload = payload[1:]
		if padLen > len(payload) {
			return c.connError(frame.ErrCodeProtocol, "DATA pad length exceeds payload")
		}
		payload = payload[:len(payload)-padLen]
	}

	s.body.Write(payload)

	if hdr.Flags.Has(frame.FlagEndStream) {
		s.openFromClient = false
		if s.headersDone {
			return c.dispatch(s)
		}
	}
	return nil
}

func (c *h2conn) handleSettings(hdr frame.Header, payload []byte) error {
	if hdr.StreamID != 0 {
		return c.connError(frame.ErrCodeProtocol, "SETTINGS stream id must be 0")
	}

	if hdr.Flags.Has(frame.FlagAck) {
		if len(payload) != 0 {
			return c.connError(frame.ErrCodeFrameSize, "SETTINGS ACK with payload")
		}
		if c.settingsInFlight.Add(-1) < 0 {
			return c.connError(frame.ErrCodeProtocol, "SETTINGS ACK without SETTINGS in flight")
		}
		return nil
	}

	c.sendMu.Lock()
	staged := c.stagedSettings
	c.sendMu.Unlock()

	if err := staged.Apply(payload); err != nil {
		ce := err.(frame.ConnError)
		return c.connError(ce.Code, ce.Reason)
	}

	// The reader's own view updates immediately so inbound frame size
	// checks follow the announcement; the sender picks the staged record
	// up when it emits the ACK.
	c.peerSettings = staged

	c.sendMu.Lock()
	c.stagedSettings = staged
	c.settingAcks++
	c.sendReady.Signal()
	c.sendMu.Unlock()
	return nil
}

func (c *h2conn) handlePing(hdr frame.Header, payload []byte) error {
	if hdr.StreamID != 0 {
		return c.connError(frame.ErrCodeProtocol, "PING stream id must be 0")
	}
	if len(payload) != 8 {
		return c.connError(frame.ErrCodeFrameSize, "PING payload must be 8 octets")
	}
	if hdr.Flags.Has(frame.FlagAck) {
		// Receipt of a PING ACK needs no action.
		return nil
	}

	c.sendMu.Lock()
	c.pings = append(c.pings, append([]byte(nil), payload...))
	c.sendReady.Signal()
	c.sendMu.Unlock()
	return nil
}

// dispatch runs the handler for a completed stream on the reader
// goroutine and queues the framed response with the sender.
func (c *h2conn) dispatch(s *h2stream) error {
	defer delete(c.streams, s.id)

	req, err := c.buildRequest(s)
	if err != nil {
		return err
	}

	resp, herr := dispatch(c.handler, req)
	if herr != nil {
		resp = errorResponse(herr)
	}

	q, err := buildResponse(s.id, resp)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	c.responses = append(c.responses, q)
	c.sendReady.Signal()
	c.sendMu.Unlock()
	return nil
}

func (c *h2conn) buildRequest(s *h2stream) (*Request, error) {
	req := &Request{Body: bytes.NewReader(s.body.Bytes())}
	for _, f := range s.headers {
		if strings.HasPrefix(f.Name, ":") {
			switch f.Name {
			case ":method":
				req.Method = f.Value
			case ":path":
				req.Path = f.Value
			}
			continue
		}
		req.Headers = append(req.Headers, Header{Name: f.Name, Value: f.Value})
	}
	if req.Method == "" || req.Path == "" {
		return nil, c.connError(frame.ErrCodeProtocol, "request without :method or :path")
	}
	req.Headers.Sort()
	return req, nil
}

// buildResponse encodes the header block and materialises the body for a
// queued response. A response whose body ends before its declared
// content-length is a transport-level failure.
func buildResponse(streamID uint32, resp *Response) (queuedResponse, error) {
	var block []byte
	block = hpack.AppendLiteral(block, ":status", strconv.Itoa(resp.StatusCode))
	for _, h := range resp.Headers {
		block = hpack.AppendLiteral(block, h.Name, h.Value)
	}

	var body []byte
	if resp.Body != nil {
		var err error
		if resp.ContentLength >= 0 {
			body = make([]byte, resp.ContentLength)
			if _, err = io.ReadFull(resp.Body, body); err != nil {
				return queuedResponse{}, err
			}
			block = hpack.AppendLiteral(block, "content-length", strconv.FormatInt(resp.ContentLength, 10))
		} else if body, err = io.ReadAll(resp.Body); err != nil {
			return queuedResponse{}, err
		}
	}

	return queuedResponse{streamID: streamID, block: block, body: body}, nil
}

// appendResponseFrames fragments a queued response into HEADERS (plus
// CONTINUATION for header block overflow) and DATA frames no larger than
// maxFrame.
func appendResponseFrames(out []byte, q queuedResponse, maxFrame int) []byte {
	block, body := q.block, q.body

	first := true
	for {
		n := len(block)
		if n > maxFrame {
			n = maxFrame
		}
		chunk := block[:n]
		block = block[n:]

		var flags frame.Flags
		if len(block) == 0 {
			flags |= frame.FlagEndHeaders
		}
		t := frame.TypeContinuation
		if first {
			t = frame.TypeHeaders
			if len(body) == 0 {
				flags |= frame.FlagEndStream
			}
		}
		out = frame.Append(out, t, flags, q.streamID, chunk)
		first = false
		if len(block) == 0 {
			break
		}
	}

	for len(body) > 0 {
		n := len(body)
		if n > maxFrame {
			n = maxFrame
		}
		chunk := body[:n]
		body = body[n:]

		var flags frame.Flags
		if len(body) == 0 {
			flags |= frame.FlagEndStream
		}
		out = frame.Append(out, frame.TypeData, flags, q.streamID, chunk)
	}
	return out
}

// sender owns the write sink. It transmits the server's SETTINGS first,
// then waits for work, draining in priority order: PING ACKs, SETTINGS
// ACKs (applying the staged settings at that point), queued stream
// responses. On shutdown it drains what is queued, emits any pending
// GOAWAY and exits; a transport failure is parked in sendErr for the
// reader.
func (c *h2conn) sender() {
	defer close(c.senderDone)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.writeFrame(frame.TypeSettings, 0, 0, nil); err != nil {
		c.sendErr = err
		return
	}

	// peer holds the settings in force for outbound framing; the staged
	// record replaces it only when the matching ACK goes out.
	peer := frame.DefaultSettings()

	for {
		switch {
		case len(c.pings) > 0:
			ping := c.pings[0]
			c.pings = c.pings[1:]
			if err := c.writeFrame(frame.TypePing, frame.FlagAck, 0, ping); err != nil {
				c.sendErr = err
				return
			}

		case c.settingAcks > 0:
			peer = c.stagedSettings
			c.settingAcks--
			if err := c.writeFrame(frame.TypeSettings, frame.FlagAck, 0, nil); err != nil {
				c.sendErr = err
				return
			}

		case len(c.responses) > 0:
			q := c.responses[0]
			c.responses = c.responses[1:]
			buf := appendResponseFrames(nil, q, int(peer.MaxFrameSize))
			if _, err := c.sink.Write(buf); err != nil {
				c.sendErr = err
				return
			}

		case c.sendDone:
			if g := c.goaway; g != nil {
				payload := make([]byte, 8, 8+len(g.reason))
				payload[0] = byte(g.lastStream >> 24)
				payload[1] = byte(g.lastStream >> 16)
				payload[2] = byte(g.lastStream >> 8)
				payload[3] = byte(g.lastStream)
				payload[4] = byte(g.code >> 24)
				payload[5] = byte(g.code >> 16)
				payload[6] = byte(g.code >> 8)
				payload[7] = byte(g.code)
				payload = append(payload, g.reason...)
				if err := c.writeFrame(frame.TypeGoAway, 0, 0, payload); err != nil {
					c.sendErr = err
				}
			}
			return

		default:
			c.sendReady.Wait()
		}
	}
}

// writeFrame emits one frame. Callers hold sendMu.
func (c *h2conn) writeFrame(t frame.Type, flags frame.Flags, streamID uint32, payload []byte) error {
	buf := frame.Append(nil, t, flags, streamID, payload)
	_, err := c.sink.Write(buf)
	return err
}
