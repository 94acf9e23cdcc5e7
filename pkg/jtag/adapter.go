package jtag

import (
	"context"
	"errors"
	"fmt"
)

// AdapterInfo describes capabilities reported by a JTAG adapter implementation.
type AdapterInfo struct {
	Name         string
	Vendor       string
	Model        string
	SerialNumber string
	MinFrequency int // Hertz
	MaxFrequency int // Hertz
	Notes        string
}

// Adapter abstracts a JTAG cable that can clock raw TMS/TDI vectors and
// capture TDO, the only primitive the XVC protocol needs.
type Adapter interface {
	Info() (AdapterInfo, error)
	Shift(ctx context.Context, req ShiftRequest) (ShiftResult, error)
	SetSpeed(hz int) error
	Close() error
}

var (
	// ErrProtocolViolation marks requests the cable refuses to execute, such as
	// a TMS transition in the middle of a data shift.
	ErrProtocolViolation = errors.New("jtag: protocol violation")

	// ErrShortWrite is returned when the device accepted fewer command bytes
	// than were built for the transaction.
	ErrShortWrite = errors.New("jtag: short write to device")

	// ErrVectorTooLong rejects shifts that do not fit a single byte segment.
	ErrVectorTooLong = errors.New("jtag: vector too long")
)

// MaxShiftBits is the longest vector one transaction can carry: the byte
// segment length field is 16 bits wide.
const MaxShiftBits = 65536 * 8

// ValidateShiftBuffers ensures the TMS and TDI vectors cover bits and returns
// the number of bytes required to accommodate the bit length.
func ValidateShiftBuffers(tms, tdi []byte, bits int) (int, error) {
	if bits <= 0 {
		return 0, fmt.Errorf("%w: bits must be positive, got %d", ErrProtocolViolation, bits)
	}
	if bits > MaxShiftBits {
		return 0, fmt.Errorf("%w: %d bits exceeds %d", ErrVectorTooLong, bits, MaxShiftBits)
	}
	required := ByteLen(bits)
	if len(tms) < required {
		return 0, fmt.Errorf("jtag: tms buffer too short, need %d bytes", required)
	}
	if len(tdi) < required {
		return 0, fmt.Errorf("jtag: tdi buffer too short, need %d bytes", required)
	}
	return required, nil
}
