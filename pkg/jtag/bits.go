package jtag

// All vectors in this package are packed LSB-first: logical bit i lives in
// bit (i % 8) of byte (i / 8).

// ByteLen returns the number of bytes needed to hold bits.
func ByteLen(bits int) int {
	return (bits + 7) / 8
}

// Bit reports logical bit i of buf.
func Bit(buf []byte, i int) bool {
	return buf[i/8]&(1<<(uint(i)%8)) != 0
}

// SetBit sets or clears logical bit i of buf.
func SetBit(buf []byte, i int, v bool) {
	mask := byte(1) << (uint(i) % 8)
	if v {
		buf[i/8] |= mask
	} else {
		buf[i/8] &^= mask
	}
}

// PackBits packs a bool slice into an LSB-first byte vector.
func PackBits(bits []bool) []byte {
	if len(bits) == 0 {
		return nil
	}
	buf := make([]byte, ByteLen(len(bits)))
	for i, bit := range bits {
		if bit {
			buf[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return buf
}

// UnpackBits expands the first n bits of an LSB-first vector.
func UnpackBits(buf []byte, n int) []bool {
	if n == 0 {
		return nil
	}
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = Bit(buf, i)
	}
	return out
}

// lowMask keeps bit positions below n.
func lowMask(n int) byte {
	return byte(1<<uint(n)) - 1
}
