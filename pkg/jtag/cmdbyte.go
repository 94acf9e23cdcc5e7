package jtag

// Auxiliary pins used to latch a command byte into an external switch.
const (
	cmdPinStrobe byte = 0x10 // ADBUS4
	cmdPinData   byte = 0x20 // ADBUS5
)

// EncodeCommandByte returns the bit-bang pin states that present cb MSB first
// on the data pin, each bit followed by a rising strobe.
func EncodeCommandByte(cb byte) []byte {
	out := make([]byte, 0, 16)
	for i := 0; i < 8; i++ {
		var pins byte
		if cb&0x80 != 0 {
			pins = cmdPinData
		}
		out = append(out, pins, pins|cmdPinStrobe)
		cb <<= 1
	}
	return out
}

// DecodeCommandByte recovers a command byte from bit-bang pin states by
// sampling the data pin on every rising strobe edge.
func DecodeCommandByte(pins []byte) (cb byte, n int) {
	var prev byte
	for _, p := range pins {
		if p&cmdPinStrobe != 0 && prev&cmdPinStrobe == 0 {
			cb <<= 1
			if p&cmdPinData != 0 {
				cb |= 1
			}
			n++
		}
		prev = p
	}
	return cb, n
}
