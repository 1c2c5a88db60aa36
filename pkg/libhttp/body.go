package libhttp

import (
	"errors"
	"io"
)

// ErrMalformedChunk is returned by a chunked request body when a chunk
// size line or chunk framing is invalid.
var ErrMalformedChunk = errors.New("libhttp: malformed chunk")

// prebuf holds bytes the header parser read past the end of the current
// request head. The body stream drains it before touching the live source;
// whatever remains afterwards belongs to the next pipelined request.
type prebuf struct {
	b []byte
}

// fixedBody exposes at most limit bytes, first from the parser's prebuf,
// then from the live source. It reads empty once the limit is consumed and
// fails with io.ErrUnexpectedEOF when the source ends short.
type fixedBody struct {
	pre   *prebuf
	src   io.Reader
	limit uint64
}

func (b *fixedBody) Read(p []byte) (int, error) {
	if b.limit == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > b.limit {
		p = p[:b.limit]
	}
	if len(p) == 0 {
		return 0, nil
	}

	if len(b.pre.b) > 0 {
		n := copy(p, b.pre.b)
		b.pre.b = b.pre.b[n:]
		b.limit -= uint64(n)
		return n, nil
	}

	n, err := b.src.Read(p)
	b.limit -= uint64(n)
	if err == io.EOF && b.limit > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// chunkedBody decodes RFC 7230 chunked transfer encoding: repeated
// hex-size lines and payloads terminated by a zero-size chunk, with any
// trailer lines consumed and discarded. It shares the parser's prebuf the
// same way fixedBody does.
type chunkedBody struct {
	pre *prebuf
	src io.Reader

	remaining  uint64 // payload bytes left in the current chunk
	terminated bool
	started    bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	for {
		if b.terminated {
			return 0, io.EOF
		}

		if b.remaining == 0 {
			if b.started {
				// CRLF closing the previous chunk's payload.
				if err := b.expect('\r', '\n'); err != nil {
					return 0, err
				}
			}
			size, err := b.readSizeLine()
			if err != nil {
				return 0, err
			}
			b.started = true
			if size == 0 {
				if err := b.discardTrailers(); err != nil {
					return 0, err
				}
				b.terminated = true
				return 0, io.EOF
			}
			b.remaining = size
		}

		if len(p) == 0 {
			return 0, nil
		}
		if uint64(len(p)) > b.remaining {
			p = p[:b.remaining]
		}

		var n int
		var err error
		if len(b.pre.b) > 0 {
			n = copy(p, b.pre.b)
			b.pre.b = b.pre.b[n:]
		} else {
			n, err = b.src.Read(p)
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
		}
		b.remaining -= uint64(n)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// readByte pulls one byte, prebuf first.
func (b *chunkedBody) readByte() (byte, error) {
	if len(b.pre.b) > 0 {
		ch := b.pre.b[0]
		b.pre.b = b.pre.b[1:]
		return ch, nil
	}
	var one [1]byte
	for {
		n, err := b.src.Read(one[:])
		if n == 1 {
			return one[0], nil
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
}

func (b *chunkedBody) expect(chars ...byte) error {
	for _, want := range chars {
		ch, err := b.readByte()
		if err != nil {
			return err
		}
		if ch != want {
			return ErrMalformedChunk
		}
	}
	return nil
}

// readSizeLine parses "<hex-size>[;extensions]CRLF".
func (b *chunkedBody) readSizeLine() (uint64, error) {
	var size uint64
	digits := 0
	for {
		ch, err := b.readByte()
		if err != nil {
			return 0, err
		}

		var d uint64
		switch {
		case '0' <= ch && ch <= '9':
			d = uint64(ch - '0')
		case 'a' <= ch && ch <= 'f':
			d = uint64(ch-'a') + 10
		case 'A' <= ch && ch <= 'F':
			d = uint64(ch-'A') + 10
		case ch == ';':
			if digits == 0 {
				return 0, ErrMalformedChunk
			}
			return size, b.discardLine()
		case ch == '\r':
			if digits == 0 {
				return 0, ErrMalformedChunk
			}
			ch, err = b.readByte()
			if err != nil {
				return 0, err
			}
			if ch != '\n' {
				return 0, ErrMalformedChunk
			}
			return size, nil
		default:
			return 0, ErrMalformedChunk
		}

		if size > (1<<60)/16 {
			return 0, ErrMalformedChunk
		}
		size = size*16 + d
		digits++
	}
}

// discardLine consumes the rest of the current line through CRLF.
func (b *chunkedBody) discardLine() error {
	for {
		ch, err := b.readByte()
		if err != nil {
			return err
		}
		if ch == '\n' {
			return nil
		}
	}
}

// discardTrailers consumes trailer lines after the terminator chunk up to
// and including the final blank line.
func (b *chunkedBody) discardTrailers() error {
	for {
		ch, err := b.readByte()
		if err != nil {
			return err
		}
		if ch == '\r' {
			ch, err = b.readByte()
			if err != nil {
				return err
			}
			if ch != '\n' {
				return ErrMalformedChunk
			}
			return nil
		}
		// A trailer line; skip through its CRLF.
		for ch != '\n' {
			ch, err = b.readByte()
			if err != nil {
				return err
			}
		}
	}
}
