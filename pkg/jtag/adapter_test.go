package jtag

import (
	"bytes"
	"errors"
	"testing"
)

func TestValidateShiftBuffers(t *testing.T) {
	if _, err := ValidateShiftBuffers([]byte{0}, []byte{0}, 0); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for zero bits, got %v", err)
	}

	if _, err := ValidateShiftBuffers([]byte{0x00}, []byte{0x00, 0x00}, 16); err == nil {
		t.Fatalf("expected error when TMS buffer too small")
	}

	if _, err := ValidateShiftBuffers([]byte{0x00, 0x00}, []byte{0x00}, 16); err == nil {
		t.Fatalf("expected error when TDI buffer too small")
	}

	n, err := ValidateShiftBuffers([]byte{0x00, 0x00}, []byte{0x01, 0x00}, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("required bytes = %d, want 2", n)
	}

	big := make([]byte, ByteLen(MaxShiftBits+1))
	if _, err := ValidateShiftBuffers(big, big, MaxShiftBits+1); !errors.Is(err, ErrVectorTooLong) {
		t.Fatalf("expected ErrVectorTooLong, got %v", err)
	}
}

func TestNewShiftRequestSplitsBuffer(t *testing.T) {
	req, err := NewShiftRequest(12, []byte{0x00, 0x08, 0xAB, 0x01})
	if err != nil {
		t.Fatalf("NewShiftRequest returned error: %v", err)
	}
	if !bytes.Equal(req.TMS, []byte{0x00, 0x08}) {
		t.Fatalf("TMS = %X, want 0008", req.TMS)
	}
	if !bytes.Equal(req.TDI, []byte{0xAB, 0x01}) {
		t.Fatalf("TDI = %X, want AB01", req.TDI)
	}
	// Appending to TMS must not clobber TDI.
	_ = append(req.TMS, 0xFF)
	if req.TDI[0] != 0xAB {
		t.Fatalf("TDI clobbered by append to TMS: %X", req.TDI)
	}

	if _, err := NewShiftRequest(12, []byte{0x00, 0x08, 0xAB}); err == nil {
		t.Fatalf("expected error for odd buffer length")
	}
	if _, err := NewShiftRequest(0, nil); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for zero length, got %v", err)
	}
}

func TestCheckTMS(t *testing.T) {
	tests := []struct {
		name     string
		bits     int
		tms      []byte
		wantLast bool
		wantErr  bool
	}{
		{name: "all zero", bits: 8, tms: []byte{0x00}},
		{name: "final bit of full byte", bits: 8, tms: []byte{0x80}, wantLast: true},
		{name: "final bit of partial byte", bits: 12, tms: []byte{0x00, 0x08}, wantLast: true},
		{name: "first bit", bits: 8, tms: []byte{0x01}, wantErr: true},
		{name: "earlier byte", bits: 12, tms: []byte{0x10, 0x00}, wantErr: true},
		{name: "earlier byte and final bit", bits: 12, tms: []byte{0x80, 0x08}, wantErr: true},
		{name: "bit past the end", bits: 12, tms: []byte{0x00, 0x10}, wantErr: true},
		{name: "neighbour of final bit", bits: 12, tms: []byte{0x00, 0x04}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ShiftRequest{Bits: tt.bits, TMS: tt.tms, TDI: make([]byte, len(tt.tms))}
			last, err := CheckTMS(req)
			if tt.wantErr {
				var v *TMSViolationError
				if !errors.As(err, &v) {
					t.Fatalf("expected TMSViolationError, got %v", err)
				}
				if !errors.Is(err, ErrProtocolViolation) {
					t.Fatalf("violation does not unwrap to ErrProtocolViolation")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if last != tt.wantLast {
				t.Fatalf("lastTMS = %v, want %v", last, tt.wantLast)
			}
		})
	}
}
