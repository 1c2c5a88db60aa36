package hpack

// AppendLiteral appends a header field encoded as "literal without
// indexing" with plain (non-Huffman) name and value octets. This is the
// whole of the encoding side: responses never populate the peer's dynamic
// table, so any conforming decoder accepts the output without shared
// state.
func AppendLiteral(buf []byte, name, value string) []byte {
	buf = append(buf, 0x00)
	buf = appendStringLiteral(buf, name)
	buf = appendStringLiteral(buf, value)
	return buf
}

func appendStringLiteral(buf []byte, s string) []byte {
	buf = appendInt(buf, 0x00, 7, uint32(len(s)))
	return append(buf, s...)
}

// appendInt appends a prefix-coded integer. head carries the instruction
// bits above the prefix.
func appendInt(buf []byte, head byte, prefix uint, v uint32) []byte {
	mask := uint32(1)<<prefix - 1
	if v < mask {
		return append(buf, head|byte(v))
	}
	buf = append(buf, head|byte(mask))
	v -= mask
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
