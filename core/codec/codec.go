// Package codec holds the byte-level encodings shared by the pager and the
// btree: big-endian 2- and 4-byte integers and SQLite-style varints.
//
// All functions are pure and operate on caller-owned slices. Callers are
// expected to pass slices long enough for the value being read or written.
package codec

// MaxVarintLen is the longest encoding PutVarint can produce.
const MaxVarintLen = 9

// Get2 reads a big-endian 16-bit value.
func Get2(p []byte) int {
	return int(p[0])<<8 | int(p[1])
}

// Put2 writes v as a big-endian 16-bit value. Only the low 16 bits are kept,
// so 65536 is stored as 0.
func Put2(p []byte, v int) {
	p[0] = byte(v >> 8)
	p[1] = byte(v)
}

// Get4 reads a big-endian 32-bit value.
func Get4(p []byte) uint32 {
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
}

// Put4 writes v as a big-endian 32-bit value.
func Put4(p []byte, v uint32) {
	p[0] = byte(v >> 24)
	p[1] = byte(v >> 16)
	p[2] = byte(v >> 8)
	p[3] = byte(v)
}

// PutVarint writes a 64-bit unsigned integer to p and returns the number of bytes written.
// The encoding is SQLite's:
// - Lower 7 bits of each byte carry data
// - High bit (0x80) is set on every byte except the last
// - Most significant group first
// - At most 9 bytes; the 9th byte carries a full 8 bits
func PutVarint(p []byte, v uint64) int {
	if v <= 0x7f {
		p[0] = byte(v)
		return 1
	}
	if v <= 0x3fff {
		p[0] = byte(v>>7) | 0x80
		p[1] = byte(v & 0x7f)
		return 2
	}
	if v&(uint64(0xff000000)<<32) != 0 {
		p[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			p[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}

	n := VarintLen(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v & 0x7f)
		if i != n-1 {
			b |= 0x80
		}
		p[i] = b
		v >>= 7
	}
	return n
}

// AppendVarint appends the varint encoding of v to dst.
func AppendVarint(dst []byte, v uint64) []byte {
	var buf [MaxVarintLen]byte
	n := PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// GetVarint reads a varint from p and returns the value and the number of
// bytes consumed. A truncated encoding returns (0, 0).
func GetVarint(p []byte) (uint64, int) {
	if len(p) > 0 && p[0] < 0x80 {
		return uint64(p[0]), 1
	}
	if len(p) > 1 && p[1] < 0x80 {
		return uint64(p[0]&0x7f)<<7 | uint64(p[1]), 2
	}

	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(p) {
			return 0, 0
		}
		v = v<<7 | uint64(p[i]&0x7f)
		if p[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	if len(p) < 9 {
		return 0, 0
	}
	return v<<8 | uint64(p[8]), 9
}

// GetVarint32 reads a varint that is expected to fit in 32 bits. Larger
// values are clamped to 0xffffffff; the returned length is still exact.
func GetVarint32(p []byte) (uint32, int) {
	if len(p) > 0 && p[0] < 0x80 {
		return uint32(p[0]), 1
	}
	v, n := GetVarint(p)
	if v > 0xffffffff {
		return 0xffffffff, n
	}
	return uint32(v), n
}

// VarintLen returns the number of bytes required to encode v as a varint.
func VarintLen(v uint64) int {
	switch {
	case v <= 0x7f:
		return 1
	case v <= 0x3fff:
		return 2
	case v <= 0x1fffff:
		return 3
	case v <= 0xfffffff:
		return 4
	case v <= 0x7ffffffff:
		return 5
	case v <= 0x3ffffffffff:
		return 6
	case v <= 0x1ffffffffffff:
		return 7
	case v <= 0xffffffffffffff:
		return 8
	}
	return 9
}
