package jtag

import (
	"bytes"
	"context"
	"testing"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

func newMPSSESim(t *testing.T) *SimTransport {
	t.Helper()
	sim := NewSimTransport()
	if err := sim.SetBitMode(JTAGDirection, BitModeMPSSE); err != nil {
		t.Fatalf("SetBitMode returned error: %v", err)
	}
	return sim
}

func TestSimTransportBadCommandEcho(t *testing.T) {
	sim := newMPSSESim(t)
	if _, err := sim.Write([]byte{0xAA, MPSSESendImmediate}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	got, err := sim.ReadExact(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReadExact returned error: %v", err)
	}
	if !bytes.Equal(got, []byte{MPSSEBadCommandEcho, 0xAA}) {
		t.Fatalf("echo = %X, want FAAA", got)
	}
}

func TestSimTransportBitCaptureIsLeftJustified(t *testing.T) {
	sim := newMPSSESim(t)
	if _, err := sim.Write([]byte{OpShiftBits, 0x02, 0x05}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	got, err := sim.ReadExact(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadExact returned error: %v", err)
	}
	if got[0] != 0xA0 {
		t.Fatalf("capture = %02X, want A0", got[0])
	}
	if sim.Clocks() != 3 {
		t.Fatalf("clocks = %d, want 3", sim.Clocks())
	}
}

func TestSimTransportFollowsTAP(t *testing.T) {
	sim := newMPSSESim(t)
	// Five ones reset, then 0,1,0,0 walks to Shift-DR.
	if _, err := sim.Write([]byte{OpTMSMove, 0x04, 0x1F, OpTMSMove, 0x03, 0x02}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if got := sim.TAPState(); got != tap.StateShiftDR {
		t.Fatalf("state = %s, want ShiftDR", got)
	}
	if sim.Pending() != 0 {
		t.Fatalf("TMS moves without read produced %d reply bytes", sim.Pending())
	}
}

func TestSimTransportDivisor(t *testing.T) {
	sim := newMPSSESim(t)
	if _, err := sim.Write(EncodeInit(0x1234)); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if sim.Divisor() != 0x1234 {
		t.Fatalf("divisor = %04X, want 1234", sim.Divisor())
	}
}

func TestSimTransportErrors(t *testing.T) {
	sim := NewSimTransport()
	if _, err := sim.Write([]byte{0x00}); err == nil {
		t.Fatalf("expected error writing in reset mode")
	}

	sim = newMPSSESim(t)
	if _, err := sim.Write([]byte{OpShiftBytes, 0x03, 0x00, 0x01}); err == nil {
		t.Fatalf("expected error for truncated byte shift")
	}
	if _, err := sim.ReadExact(context.Background(), 1); err == nil {
		t.Fatalf("expected error reading with nothing pending")
	}

	if err := sim.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := sim.Write([]byte{MPSSESendImmediate}); err == nil {
		t.Fatalf("expected error writing to closed device")
	}
}

func TestSimTransportBitBangRecordsPins(t *testing.T) {
	sim := NewSimTransport()
	if err := sim.SetBitMode(0xFF, BitModeBitBang); err != nil {
		t.Fatalf("SetBitMode returned error: %v", err)
	}
	if _, err := sim.Write([]byte{0x10, 0x30}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if !bytes.Equal(sim.Pins(), []byte{0x10, 0x30}) {
		t.Fatalf("pins = %X", sim.Pins())
	}
	if sim.Clocks() != 0 {
		t.Fatalf("bit-bang writes must not clock the TAP")
	}
}
