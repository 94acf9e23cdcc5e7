package jtag

import (
	"fmt"
)

// MPSSE opcode flags (FTDI AN_108). Every shift below clocks LSB first and
// drives data on the falling edge of TCK.
const (
	MPSSEWriteNeg byte = 0x01 // write on the falling edge
	MPSSEBitMode  byte = 0x02 // length counts bits instead of bytes
	MPSSEReadNeg  byte = 0x04 // sample on the falling edge
	MPSSELSB      byte = 0x08 // LSB first
	MPSSEDoWrite  byte = 0x10 // drive TDI
	MPSSEDoRead   byte = 0x20 // capture TDO
	MPSSEWriteTMS byte = 0x40 // drive TMS instead of TDI
)

// MPSSE control opcodes.
const (
	MPSSESetBitsLow     byte = 0x80 // <op>, <value>, <direction>
	MPSSETCKDivisor     byte = 0x86 // <op>, <lo>, <hi>
	MPSSESendImmediate  byte = 0x87
	MPSSELoopbackOn     byte = 0x84
	MPSSELoopbackOff    byte = 0x85
	MPSSEBadCommandEcho byte = 0xFA // reply prefix for an unknown opcode
)

// Composite shift opcodes used by the XVC translation.
const (
	OpTMSMove      = MPSSEWriteTMS | MPSSELSB | MPSSEBitMode | MPSSEWriteNeg              // 0x4B
	OpShiftBytes   = MPSSEDoRead | MPSSEDoWrite | MPSSELSB | MPSSEWriteNeg                // 0x39
	OpShiftBits    = MPSSEDoRead | MPSSEDoWrite | MPSSELSB | MPSSEBitMode | MPSSEWriteNeg // 0x3B
	OpTMSShiftRead = MPSSEWriteTMS | MPSSEDoRead | MPSSELSB | MPSSEBitMode | MPSSEWriteNeg // 0x6B
)

// FTDI bit modes for SIO_SET_BITMODE.
const (
	BitModeReset   byte = 0x00
	BitModeBitBang byte = 0x01
	BitModeMPSSE   byte = 0x02
)

// Low byte pin assignment in MPSSE mode: TCK, TDI, TDO, TMS on ADBUS0..3.
const (
	PinTCK byte = 0x01
	PinTDI byte = 0x02
	PinTDO byte = 0x04
	PinTMS byte = 0x08

	// JTAGDirection makes TCK, TDI and TMS outputs.
	JTAGDirection = PinTCK | PinTDI | PinTMS
)

// TMSMoveMaxBits is the longest pure state-machine move the classifier sends
// through EncodeTMSMove; longer requests are data shifts.
const TMSMoveMaxBits = 5

// EncodeTMSMove builds a TMS-only command clocking bits (1..7) TMS bits with
// no capture. The payload is the TMS vector verbatim.
func EncodeTMSMove(bits int, tms byte) ([]byte, error) {
	if bits < 1 || bits > 7 {
		return nil, fmt.Errorf("jtag: TMS move of %d bits out of range [1, 7]", bits)
	}
	return []byte{OpTMSMove, byte(bits - 1), tms}, nil
}

// EncodeInit builds the MPSSE setup sequence: TMS high with TCK/TDI/TMS as
// outputs, the TCK divisor, and an immediate flush.
func EncodeInit(divisor uint16) []byte {
	return []byte{
		MPSSESetBitsLow, PinTMS, JTAGDirection,
		MPSSETCKDivisor, byte(divisor), byte(divisor >> 8),
		MPSSESendImmediate,
	}
}

// CommandPlan is the decomposition of one data shift into at most three MPSSE
// segments: whole bytes, leftover bits, and a final bit clocked on TMS.
type CommandPlan struct {
	Bits int // total clocks, including the TMS exit bit

	Bytes    []byte // byte segment payload
	BitCount int    // bit segment length, 0..7
	BitData  byte   // bit segment payload, masked to BitCount bits

	LastTMS bool // a TMS exit segment follows
	LastTDI bool // TDI driven during the exit clock
}

// BuildPlan splits a bits-long TDI vector into MPSSE segments. When lastTMS is
// set the final bit is held back and clocked with TMS high.
func BuildPlan(tdi []byte, bits int, lastTMS bool) (CommandPlan, error) {
	if bits <= 0 {
		return CommandPlan{}, fmt.Errorf("%w: bits must be positive, got %d", ErrProtocolViolation, bits)
	}
	if bits > MaxShiftBits {
		return CommandPlan{}, fmt.Errorf("%w: %d bits exceeds %d", ErrVectorTooLong, bits, MaxShiftBits)
	}
	if len(tdi) < ByteLen(bits) {
		return CommandPlan{}, fmt.Errorf("jtag: tdi buffer too short, need %d bytes", ByteLen(bits))
	}

	effective := bits
	if lastTMS {
		effective--
	}
	nbytes := effective / 8
	nbits := effective % 8

	plan := CommandPlan{
		Bits:     bits,
		BitCount: nbits,
		LastTMS:  lastTMS,
	}
	if nbytes > 0 {
		plan.Bytes = append([]byte(nil), tdi[:nbytes]...)
	}
	if nbits > 0 {
		plan.BitData = tdi[nbytes] & lowMask(nbits)
	}
	if lastTMS {
		plan.LastTDI = Bit(tdi, effective)
	}
	return plan, nil
}

// CoveredBits returns the clocks issued by all segments together.
func (p CommandPlan) CoveredBits() int {
	n := len(p.Bytes)*8 + p.BitCount
	if p.LastTMS {
		n++
	}
	return n
}

// CommandLen returns the size of the encoded command stream.
func (p CommandPlan) CommandLen() int {
	n := 0
	if len(p.Bytes) > 0 {
		n += 3 + len(p.Bytes)
	}
	if p.BitCount > 0 {
		n += 3
	}
	if p.LastTMS {
		n += 3
	}
	return n
}

// ReadbackLen returns how many bytes the device sends back for the plan.
func (p CommandPlan) ReadbackLen() int {
	n := len(p.Bytes)
	if p.BitCount > 0 {
		n++
	}
	if p.LastTMS {
		n++
	}
	return n
}

// Encode concatenates the segments into one command stream so the whole shift
// costs a single USB write.
func (p CommandPlan) Encode() []byte {
	cmd := make([]byte, 0, p.CommandLen())
	if n := len(p.Bytes); n > 0 {
		cmd = append(cmd, OpShiftBytes, byte(n-1), byte((n-1)>>8))
		cmd = append(cmd, p.Bytes...)
	}
	if p.BitCount > 0 {
		cmd = append(cmd, OpShiftBits, byte(p.BitCount-1), p.BitData)
	}
	if p.LastTMS {
		// Bit 0 raises TMS for the one clock, bit 7 is the TDI level held
		// while it runs.
		payload := byte(0x01)
		if p.LastTDI {
			payload |= 0x80
		}
		cmd = append(cmd, OpTMSShiftRead, 0x00, payload)
	}
	return cmd
}

// Reassemble converts the raw readback into a packed TDO vector of
// ByteLen(p.Bits) bytes.
func (p CommandPlan) Reassemble(res []byte) ([]byte, error) {
	if len(res) != p.ReadbackLen() {
		return nil, fmt.Errorf("jtag: readback is %d bytes, want %d", len(res), p.ReadbackLen())
	}
	nbytes := len(p.Bytes)
	out := make([]byte, ByteLen(p.Bits))
	copy(out, res[:nbytes])
	if p.BitCount > 0 {
		// Bit mode captures land in the top BitCount bits.
		out[nbytes] = res[nbytes] >> uint(8-p.BitCount)
	}
	if p.LastTMS && res[len(res)-1]&0x80 != 0 {
		SetBit(out, nbytes*8+p.BitCount, true)
	}
	return out, nil
}

// SyncError reports a TMS exit readback that is not the previous readback byte
// shifted down by one, which means the command stream lost sync.
type SyncError struct {
	Previous byte
	Last     byte
	Expected byte
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("jtag: MPSSE readback out of sync: TMS byte %02X, previous %02X, expected %02X",
		e.Last, e.Previous, e.Expected)
}

// CheckSync verifies the readback invariant of a plan ending in a TMS exit:
// the device capture register shifts right once, so the last byte must equal
// the one before it downshifted with the new capture on top.
func (p CommandPlan) CheckSync(res []byte) error {
	if !p.LastTMS || len(res) < 2 {
		return nil
	}
	prev := res[len(res)-2]
	last := res[len(res)-1]
	want := prev>>1 | last&0x80
	if last != want {
		return &SyncError{Previous: prev, Last: last, Expected: want}
	}
	return nil
}
