package jtag

import (
	"fmt"
)

// ShiftRequest is one XVC shift: Bits clocks of TMS and TDI, both packed
// LSB-first into ByteLen(Bits) bytes.
type ShiftRequest struct {
	Bits int
	TMS  []byte
	TDI  []byte
}

// ShiftResult holds the TDO captured during a ShiftRequest, packed the same
// way. Bits past the request length in the final byte are zero.
type ShiftResult struct {
	TDO []byte
}

// NewShiftRequest splits the combined wire buffer (TMS vector followed by TDI
// vector) into a request. The buffer must be exactly 2*ByteLen(bits) long.
func NewShiftRequest(bits int, buf []byte) (ShiftRequest, error) {
	if bits <= 0 {
		return ShiftRequest{}, fmt.Errorf("%w: bits must be positive, got %d", ErrProtocolViolation, bits)
	}
	n := ByteLen(bits)
	if len(buf) != 2*n {
		return ShiftRequest{}, fmt.Errorf("jtag: shift buffer is %d bytes, want %d", len(buf), 2*n)
	}
	return ShiftRequest{
		Bits: bits,
		TMS:  buf[:n:n],
		TDI:  buf[n:],
	}, nil
}

// Validate checks the vector lengths against Bits.
func (r ShiftRequest) Validate() error {
	_, err := ValidateShiftBuffers(r.TMS, r.TDI, r.Bits)
	return err
}

// TMSViolationError reports a TMS vector that changes state before the final
// clock of a data shift.
type TMSViolationError struct {
	Bits int
	TMS  []byte
	TDI  []byte
}

func (e *TMSViolationError) Error() string {
	return fmt.Sprintf("jtag: TMS movement inside %d-bit data shift (TMS %X, TDI %X)", e.Bits, e.TMS, e.TDI)
}

func (e *TMSViolationError) Unwrap() error {
	return ErrProtocolViolation
}

// CheckTMS inspects the TMS vector of a data shift. Only the final logical bit
// may be set; it reports whether that bit is set, i.e. whether the shift ends
// with a state transition.
func CheckTMS(req ShiftRequest) (lastTMS bool, err error) {
	n := ByteLen(req.Bits)
	for _, b := range req.TMS[:n-1] {
		if b != 0 {
			return false, req.violation()
		}
	}
	lastBit := (req.Bits - 1) % 8
	last := req.TMS[n-1]
	if last&^(1<<uint(lastBit)) != 0 {
		return false, req.violation()
	}
	return last&(1<<uint(lastBit)) != 0, nil
}

func (r ShiftRequest) violation() error {
	n := ByteLen(r.Bits)
	return &TMSViolationError{
		Bits: r.Bits,
		TMS:  append([]byte(nil), r.TMS[:n]...),
		TDI:  append([]byte(nil), r.TDI[:n]...),
	}
}
