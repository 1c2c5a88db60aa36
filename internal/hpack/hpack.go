// Package hpack implements the decoding side of the HPACK header
// compression format (RFC 7541): the variable-length integer and string
// primitives, Huffman decoding via a precomputed nibble-walk table, the
// static table and a bounded dynamic table with oldest-first eviction.
//
// Any decode failure maps to an HTTP/2 COMPRESSION_ERROR at the connection
// layer; decoding is never resumed after an error.
package hpack

import "errors"

var (
	errTruncated   = errors.New("hpack: truncated header block")
	errIntOverflow = errors.New("hpack: integer overflow")
	errIndex       = errors.New("hpack: index out of range")
	errTableSize   = errors.New("hpack: dynamic table size update exceeds maximum")
	errHuffman     = errors.New("hpack: invalid huffman coding")
)

// readInt decodes a variable-length integer with the given prefix width
// (4 to 7 bits) starting at buf[0]. It returns the value and the remainder
// of buf. Accumulation beyond 32 bits is rejected.
func readInt(buf []byte, prefix uint) (uint32, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, errTruncated
	}
	mask := uint32(1)<<prefix - 1

	v := uint32(buf[0]) & mask
	buf = buf[1:]
	if v < mask {
		return v, buf, nil
	}

	// Continuation bytes accumulate base-128, least significant group
	// first; the top bit marks "more".
	var acc, shift uint64
	for len(buf) > 0 {
		ch := buf[0]
		buf = buf[1:]

		acc |= uint64(ch&0x7f) << shift
		shift += 7
		if acc+uint64(mask) > 0xffffffff {
			return 0, nil, errIntOverflow
		}
		if ch&0x80 == 0 {
			return uint32(acc) + mask, buf, nil
		}
	}
	return 0, nil, errTruncated
}

// readString decodes a string literal: a Huffman flag bit, a 7-bit-prefix
// length and the octets themselves.
func readString(buf []byte) (string, []byte, error) {
	if len(buf) == 0 {
		return "", nil, errTruncated
	}
	huffman := buf[0]&0x80 != 0

	length, buf, err := readInt(buf, 7)
	if err != nil {
		return "", nil, err
	}
	if uint32(len(buf)) < length {
		return "", nil, errTruncated
	}
	raw := buf[:length]
	buf = buf[length:]

	if !huffman {
		return string(raw), buf, nil
	}
	s, err := huffmanDecode(raw)
	if err != nil {
		return "", nil, err
	}
	return s, buf, nil
}

// Decoder decodes header blocks for one connection. maxCapacity is the
// ceiling announced in SETTINGS_HEADER_TABLE_SIZE; size updates inside a
// header block may move the working capacity anywhere below it.
type Decoder struct {
	table       dynamicTable
	maxCapacity uint32
}

// NewDecoder returns a decoder whose dynamic table starts at maxCapacity.
func NewDecoder(maxCapacity uint32) *Decoder {
	d := &Decoder{maxCapacity: maxCapacity}
	d.table.capacity = maxCapacity
	return d
}

// TableSize returns the current byte size of the dynamic table.
func (d *Decoder) TableSize() uint32 { return d.table.size }

// entryCount is the number of addressable entries: the static table plus
// the dynamic table.
func (d *Decoder) entryCount() uint32 {
	return uint32(len(staticTable) + d.table.len())
}

// entry resolves a 1-based wire index. Indices 1..61 address the static
// table; 62 addresses the most recent dynamic insert.
func (d *Decoder) entry(idx uint32) Field {
	if idx <= uint32(len(staticTable)) {
		return staticTable[idx-1]
	}
	return d.table.entry(int(idx) - len(staticTable) - 1)
}

// Decode decodes a complete header block, appending the decoded fields to
// dst in wire order. On error the decoder must not be reused; the caller
// treats the failure as a connection-level compression error.
func (d *Decoder) Decode(dst []Field, block []byte) ([]Field, error) {
	buf := block
	for len(buf) > 0 {
		var err error
		switch {
		case buf[0]&0x80 != 0:
			// Indexed field.
			var idx uint32
			idx, buf, err = readInt(buf, 7)
			if err != nil {
				return dst, err
			}
			if idx == 0 || idx > d.entryCount() {
				return dst, errIndex
			}
			dst = append(dst, d.entry(idx))

		case buf[0]&0x40 != 0:
			// Literal with incremental indexing.
			var f Field
			f, buf, err = d.readLiteral(buf, 6)
			if err != nil {
				return dst, err
			}
			d.table.add(f)
			dst = append(dst, f)

		case buf[0]&0x20 != 0:
			// Dynamic table size update.
			var capacity uint32
			capacity, buf, err = readInt(buf, 5)
			if err != nil {
				return dst, err
			}
			if capacity > d.maxCapacity {
				return dst, errTableSize
			}
			d.table.resize(capacity)

		default:
			// Literal without indexing (0001xxxx never-indexed, 0000xxxx
			// plain); neither touches the dynamic table.
			var f Field
			f, buf, err = d.readLiteral(buf, 4)
			if err != nil {
				return dst, err
			}
			dst = append(dst, f)
		}
	}
	return dst, nil
}

// readLiteral reads a literal field representation: an index (or 0) with
// the given prefix, the name literal when the index is 0, and the value
// literal.
func (d *Decoder) readLiteral(buf []byte, prefix uint) (Field, []byte, error) {
	idx, buf, err := readInt(buf, prefix)
	if err != nil {
		return Field{}, nil, err
	}

	var f Field
	if idx != 0 {
		if idx > d.entryCount() {
			return Field{}, nil, errIndex
		}
		f.Name = d.entry(idx).Name
	} else {
		f.Name, buf, err = readString(buf)
		if err != nil {
			return Field{}, nil, err
		}
	}

	f.Value, buf, err = readString(buf)
	if err != nil {
		return Field{}, nil, err
	}
	return f, buf, nil
}
