package libhttp

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/avakar/libhttp/internal/h2/frame"
)

// h2client accumulates a client-side byte stream: the preface followed by
// frames written through the x/net framer.
type h2client struct {
	buf    bytes.Buffer
	framer *http2.Framer
	henc   *xhpack.Encoder
	hbuf   bytes.Buffer
}

func newH2Client() *h2client {
	c := &h2client{}
	c.buf.WriteString(frame.Preface)
	c.framer = http2.NewFramer(&c.buf, nil)
	c.henc = xhpack.NewEncoder(&c.hbuf)
	return c
}

func (c *h2client) encodeHeaders(t *testing.T, fields ...[2]string) []byte {
	t.Helper()
	c.hbuf.Reset()
	for _, f := range fields {
		require.NoError(t, c.henc.WriteField(xhpack.HeaderField{Name: f[0], Value: f[1]}))
	}
	return append([]byte(nil), c.hbuf.Bytes()...)
}

// runH2 feeds the accumulated input to ServeH2 and returns the server's
// output stream. The sender is joined before ServeH2 returns, so the
// output buffer is safe to inspect.
func runH2(t *testing.T, c *h2client, handler Handler) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	err := ServeH2(bytes.NewReader(c.buf.Bytes()), &out, handler)
	return out.Bytes(), err
}

// readFrames parses the server output with the x/net framer. Each frame is
// read through its own Framer instance: x/net/http2 invalidates a Frame's
// buffer-backed accessors (e.g. HeaderBlockFragment, Data) on the next
// ReadFrame call made on the same Framer, which would otherwise make every
// frame but the last unusable once this function returns.
func readFrames(t *testing.T, out []byte) []http2.Frame {
	t.Helper()
	const frameHeaderLen = 9
	var frames []http2.Frame
	for len(out) > 0 {
		require.GreaterOrEqual(t, len(out), frameHeaderLen, "truncated frame header")
		length := int(out[0])<<16 | int(out[1])<<8 | int(out[2])
		end := frameHeaderLen + length
		require.LessOrEqual(t, end, len(out), "truncated frame payload")
		raw := out[:end]
		out = out[end:]

		fr := http2.NewFramer(nil, bytes.NewReader(raw))
		f, err := fr.ReadFrame()
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func noHandler(t *testing.T) Handler {
	return func(*Request) (*Response, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}
}

func TestServeH2SettingsExchange(t *testing.T) {
	c := newH2Client()
	require.NoError(t, c.framer.WriteSettings())

	out, err := runH2(t, c, noHandler(t))
	require.NoError(t, err)

	frames := readFrames(t, out)
	require.GreaterOrEqual(t, len(frames), 2)

	first, ok := frames[0].(*http2.SettingsFrame)
	require.True(t, ok, "first frame must be SETTINGS, got %T", frames[0])
	assert.False(t, first.IsAck(), "server settings must not carry ACK")

	second, ok := frames[1].(*http2.SettingsFrame)
	require.True(t, ok, "second frame must be SETTINGS ACK, got %T", frames[1])
	assert.True(t, second.IsAck())
}

func TestServeH2InvalidPreface(t *testing.T) {
	var out bytes.Buffer
	err := ServeH2(strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), &out, noHandler(t))
	require.Error(t, err)
	assert.Empty(t, out.Bytes(), "nothing may be written before the preface is read")
}

func TestServeH2TruncatedPreface(t *testing.T) {
	var out bytes.Buffer
	err := ServeH2(strings.NewReader(frame.Preface[:10]), &out, noHandler(t))
	assert.Error(t, err)
}

func TestServeH2PingAck(t *testing.T) {
	c := newH2Client()
	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, c.framer.WritePing(false, payload))

	out, err := runH2(t, c, noHandler(t))
	require.NoError(t, err)

	frames := readFrames(t, out)
	var ack *http2.PingFrame
	for _, f := range frames {
		if pf, ok := f.(*http2.PingFrame); ok {
			ack = pf
		}
	}
	require.NotNil(t, ack, "PING ACK missing")
	assert.True(t, ack.IsAck())
	assert.Equal(t, payload, ack.Data)
}

func TestServeH2PingAckReceiptIgnored(t *testing.T) {
	c := newH2Client()
	require.NoError(t, c.framer.WritePing(true, [8]byte{}))

	out, err := runH2(t, c, noHandler(t))
	require.NoError(t, err)
	for _, f := range readFrames(t, out) {
		if pf, ok := f.(*http2.PingFrame); ok {
			t.Fatalf("unexpected PING in response to a PING ACK: %+v", pf)
		}
	}
}

func TestServeH2GetRequest(t *testing.T) {
	c := newH2Client()
	require.NoError(t, c.framer.WriteSettings())
	block := c.encodeHeaders(t,
		[2]string{":method", "GET"},
		[2]string{":scheme", "http"},
		[2]string{":path", "/hi"},
		[2]string{":authority", "example.com"},
		[2]string{"user-agent", "h2test"},
	)
	require.NoError(t, c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndStream:     true,
		EndHeaders:    true,
	}))

	var seen *Request
	out, err := runH2(t, c, func(req *Request) (*Response, error) {
		seen = req
		return NewResponse("hello"), nil
	})
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "GET", seen.Method)
	assert.Equal(t, "/hi", seen.Path)
	ua, ok := seen.Headers.GetSingle("user-agent")
	assert.True(t, ok)
	assert.Equal(t, "h2test", ua)

	frames := readFrames(t, out)
	var headers *http2.HeadersFrame
	var data *http2.DataFrame
	for _, f := range frames {
		switch f := f.(type) {
		case *http2.HeadersFrame:
			headers = f
		case *http2.DataFrame:
			data = f
		}
	}
	require.NotNil(t, headers)
	require.NotNil(t, data)

	var fields [][2]string
	dec := xhpack.NewDecoder(4096, func(hf xhpack.HeaderField) {
		fields = append(fields, [2]string{hf.Name, hf.Value})
	})
	_, err = dec.Write(headers.HeaderBlockFragment())
	require.NoError(t, err)
	require.NotEmpty(t, fields)
	assert.Equal(t, [2]string{":status", "200"}, fields[0])
	assert.Contains(t, fields, [2]string{"content-type", "text/plain"})
	assert.Contains(t, fields, [2]string{"content-length", "5"})

	assert.Equal(t, uint32(1), data.StreamID)
	assert.Equal(t, "hello", string(data.Data()))
	assert.True(t, data.StreamEnded())
}

func TestServeH2PostBody(t *testing.T) {
	c := newH2Client()
	block := c.encodeHeaders(t,
		[2]string{":method", "POST"},
		[2]string{":scheme", "http"},
		[2]string{":path", "/echo"},
	)
	require.NoError(t, c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    true,
	}))
	require.NoError(t, c.framer.WriteData(1, false, []byte("abc")))
	require.NoError(t, c.framer.WriteData(1, true, []byte("de")))

	out, err := runH2(t, c, func(req *Request) (*Response, error) {
		body, rerr := io.ReadAll(req.Body)
		require.NoError(t, rerr)
		return NewResponse(string(body)), nil
	})
	require.NoError(t, err)

	var data []byte
	for _, f := range readFrames(t, out) {
		if df, ok := f.(*http2.DataFrame); ok {
			data = append(data, df.Data()...)
		}
	}
	assert.Equal(t, "abcde", string(data))
}

func TestServeH2Continuation(t *testing.T) {
	c := newH2Client()
	block := c.encodeHeaders(t,
		[2]string{":method", "GET"},
		[2]string{":path", "/split"},
		[2]string{"x-long", strings.Repeat("v", 64)},
	)
	split := len(block) / 2
	require.NoError(t, c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block[:split],
		EndStream:     true,
		EndHeaders:    false,
	}))
	require.NoError(t, c.framer.WriteContinuation(1, true, block[split:]))

	var seen *Request
	_, err := runH2(t, c, func(req *Request) (*Response, error) {
		seen = req
		return Abort(204), nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "/split", seen.Path)
	v, ok := seen.Headers.GetSingle("x-long")
	assert.True(t, ok)
	assert.Len(t, v, 64)
}

func TestServeH2InterruptedHeaderBlock(t *testing.T) {
	c := newH2Client()
	block := c.encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"})
	require.NoError(t, c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    false,
	}))
	require.NoError(t, c.framer.WritePing(false, [8]byte{}))

	out, err := runH2(t, c, noHandler(t))
	requireConnError(t, err, frame.ErrCodeProtocol)
	assertGoAway(t, out, frame.ErrCodeProtocol)
}

func requireConnError(t *testing.T, err error, code frame.ErrCode) {
	t.Helper()
	require.Error(t, err)
	ce, ok := err.(frame.ConnError)
	require.True(t, ok, "want ConnError, got %v", err)
	assert.Equal(t, code, ce.Code)
}

func assertGoAway(t *testing.T, out []byte, code frame.ErrCode) {
	t.Helper()
	frames := readFrames(t, out)
	require.NotEmpty(t, frames)
	ga, ok := frames[len(frames)-1].(*http2.GoAwayFrame)
	require.True(t, ok, "last frame must be GOAWAY, got %T", frames[len(frames)-1])
	assert.Equal(t, http2.ErrCode(code), ga.ErrCode)
}

func TestServeH2ProtocolErrors(t *testing.T) {
	writeRaw := func(c *h2client, ft frame.Type, flags frame.Flags, streamID uint32, payload []byte) {
		c.buf.Write(frame.Append(nil, ft, flags, streamID, payload))
	}

	tests := []struct {
		name  string
		setup func(t *testing.T, c *h2client)
		code  frame.ErrCode
	}{
		{
			"headers on stream 0",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeHeaders, frame.FlagEndHeaders, 0, c.encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"}))
			},
			frame.ErrCodeProtocol,
		},
		{
			"headers on even stream",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeHeaders, frame.FlagEndHeaders, 2, c.encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"}))
			},
			frame.ErrCodeProtocol,
		},
		{
			"settings on nonzero stream",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeSettings, 0, 1, nil)
			},
			frame.ErrCodeProtocol,
		},
		{
			"settings ack with payload",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeSettings, frame.FlagAck, 0, []byte{0, 0, 0, 0, 0, 0})
			},
			frame.ErrCodeFrameSize,
		},
		{
			"settings length not multiple of 6",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeSettings, 0, 0, []byte{0, 1, 2})
			},
			frame.ErrCodeFrameSize,
		},
		{
			"ping with bad length",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypePing, 0, 0, []byte{1, 2, 3})
			},
			frame.ErrCodeFrameSize,
		},
		{
			"ping on nonzero stream",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypePing, 0, 1, make([]byte, 8))
			},
			frame.ErrCodeProtocol,
		},
		{
			"data on unopened stream",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeData, 0, 1, []byte("x"))
			},
			frame.ErrCodeStreamClosed,
		},
		{
			"window update with bad length",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeWindowUpdate, 0, 0, []byte{0, 0, 1})
			},
			frame.ErrCodeFrameSize,
		},
		{
			"oversized frame",
			func(t *testing.T, c *h2client) {
				hdr := frame.AppendHeader(nil, frame.Header{Length: 20000, Type: frame.TypeData, StreamID: 1})
				c.buf.Write(hdr)
			},
			frame.ErrCodeFrameSize,
		},
		{
			"unsolicited settings ack",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeSettings, frame.FlagAck, 0, nil)
				writeRaw(c, frame.TypeSettings, frame.FlagAck, 0, nil)
			},
			frame.ErrCodeProtocol,
		},
		{
			"hpack garbage",
			func(t *testing.T, c *h2client) {
				writeRaw(c, frame.TypeHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 1, []byte{0x80})
			},
			frame.ErrCodeCompression,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newH2Client()
			tt.setup(t, c)
			out, err := runH2(t, c, noHandler(t))
			requireConnError(t, err, tt.code)
			assertGoAway(t, out, tt.code)
		})
	}
}

func TestServeH2StreamIDsMustIncrease(t *testing.T) {
	c := newH2Client()
	for _, id := range []uint32{3, 1} {
		block := c.encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"})
		require.NoError(t, c.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      id,
			BlockFragment: block,
			EndStream:     true,
			EndHeaders:    true,
		}))
	}

	handled := 0
	out, err := runH2(t, c, func(*Request) (*Response, error) {
		handled++
		return Abort(204), nil
	})
	requireConnError(t, err, frame.ErrCodeProtocol)
	assert.Equal(t, 1, handled, "only stream 3 is dispatched")
	assertGoAway(t, out, frame.ErrCodeProtocol)
}

func TestServeH2UnknownFrameTypesIgnored(t *testing.T) {
	c := newH2Client()
	c.buf.Write(frame.Append(nil, frame.Type(0xf), 0, 0, []byte("whatever")))
	require.NoError(t, c.framer.WritePing(false, [8]byte{9, 9, 9, 9, 9, 9, 9, 9}))

	out, err := runH2(t, c, noHandler(t))
	require.NoError(t, err)

	var sawPingAck bool
	for _, f := range readFrames(t, out) {
		if pf, ok := f.(*http2.PingFrame); ok && pf.IsAck() {
			sawPingAck = true
		}
	}
	assert.True(t, sawPingAck, "connection must survive unknown frame types")
}

func TestServeH2HandlerErrorBecomes500(t *testing.T) {
	c := newH2Client()
	block := c.encodeHeaders(t, [2]string{":method", "GET"}, [2]string{":path", "/"})
	require.NoError(t, c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID: 1, BlockFragment: block, EndStream: true, EndHeaders: true,
	}))

	out, err := runH2(t, c, func(*Request) (*Response, error) {
		return nil, io.ErrClosedPipe
	})
	require.NoError(t, err)

	var status string
	for _, f := range readFrames(t, out) {
		if hf, ok := f.(*http2.HeadersFrame); ok {
			dec := xhpack.NewDecoder(4096, func(hf xhpack.HeaderField) {
				if hf.Name == ":status" {
					status = hf.Value
				}
			})
			_, derr := dec.Write(hf.HeaderBlockFragment())
			require.NoError(t, derr)
		}
	}
	assert.Equal(t, "500", status)
}

// The sender's drain order is fixed: initial SETTINGS, queued PING ACKs,
// queued SETTINGS ACKs, stream responses.
func TestSenderPriorityOrder(t *testing.T) {
	var out bytes.Buffer
	c := &h2conn{
		sink:       &out,
		senderDone: make(chan struct{}),
	}
	c.sendReady = sync.NewCond(&c.sendMu)
	c.stagedSettings = frame.DefaultSettings()
	c.settingsInFlight.Store(1)

	c.pings = [][]byte{{1, 1, 1, 1, 1, 1, 1, 1}}
	c.settingAcks = 1
	c.responses = []queuedResponse{{streamID: 1, block: hpackStatus204(), body: nil}}
	c.sendDone = true

	c.sender()
	<-c.senderDone

	frames := readFrames(t, out.Bytes())
	require.Len(t, frames, 4)
	s0, ok := frames[0].(*http2.SettingsFrame)
	require.True(t, ok)
	assert.False(t, s0.IsAck())
	_, ok = frames[1].(*http2.PingFrame)
	assert.True(t, ok, "PING ACK precedes SETTINGS ACK")
	s2, ok := frames[2].(*http2.SettingsFrame)
	require.True(t, ok)
	assert.True(t, s2.IsAck())
	_, ok = frames[3].(*http2.HeadersFrame)
	assert.True(t, ok, "stream data drains last")
}

func hpackStatus204() []byte {
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	_ = enc.WriteField(xhpack.HeaderField{Name: ":status", Value: "204"})
	return buf.Bytes()
}
