package jtag

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

const (
	idArtix = 0x0362D093 // XC7A35T, IR 6
	idDAP   = 0x4BA00477 // ARM JTAG-DP, IR 4
)

func TestParseChainDevice(t *testing.T) {
	tests := []struct {
		in      string
		want    ChainDevice
		wantErr string
	}{
		{in: "0x0362D093", want: ChainDevice{Name: "XC7A35T", IDCode: idArtix, IRLength: 6, IDCodeInstruction: 0x09}},
		{in: " 0x4BA00477 ", want: ChainDevice{Name: "JTAG-DP", IDCode: idDAP, IRLength: 4, IDCodeInstruction: 0x0E}},
		{in: "0x0362D093/8", want: ChainDevice{Name: "XC7A35T", IDCode: idArtix, IRLength: 8, IDCodeInstruction: 0x09}},
		{in: "0x12345679/5", want: ChainDevice{Name: "0x12345679 (Unknown part 0x2345 rev 1)", IDCode: 0x12345679, IRLength: 5}},
		{in: "0x12345679", wantErr: "IR length 0"},
		{in: "0x0362D092", wantErr: "not an IDCODE"},
		{in: "xyz", wantErr: "bad IDCODE"},
		{in: "0x0362D093/q", wantErr: "bad IR length"},
		{in: "0x0362D093/40", wantErr: "outside [2, 32]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dev, err := ParseChainDevice(tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChainDevice returned error: %v", err)
			}
			if diff := cmp.Diff(tt.want, dev); diff != "" {
				t.Fatalf("ParseChainDevice(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func clockSeq(c *ScanChain, tms string, tdi bool) []bool {
	var out []bool
	for _, ch := range tms {
		out = append(out, c.Clock(ch == '1', tdi))
	}
	return out
}

func TestScanChainReadsIDCodesAfterReset(t *testing.T) {
	c := NewScanChain(ChainDevice{IDCode: idArtix, IRLength: 6, IDCodeInstruction: 0x09})
	clockSeq(c, "111110100", false)
	if c.State() != tap.StateShiftDR {
		t.Fatalf("state = %v, want ShiftDR", c.State())
	}

	var got uint32
	for i := 0; i < 32; i++ {
		if c.Clock(false, false) {
			got |= 1 << uint(i)
		}
	}
	if got != idArtix {
		t.Fatalf("IDCODE = %#08x, want %#08x", got, idArtix)
	}
}

func TestScanChainEmptyIsWire(t *testing.T) {
	c := NewScanChain()
	clockSeq(c, "0100", false)
	if !c.Clock(false, true) || c.Clock(false, false) {
		t.Fatalf("empty chain should pass TDI straight to TDO")
	}
}

func TestScanChainNoTDOOutsideShift(t *testing.T) {
	c := NewScanChain(ChainDevice{IDCode: idArtix, IRLength: 6})
	for _, tdo := range clockSeq(c, "11111010", true) {
		if tdo {
			t.Fatalf("TDO driven outside a shift state")
		}
	}
}

func newChainMPSSE(t *testing.T, devs ...ChainDevice) (*MPSSEAdapter, *SimTransport, *ScanChain) {
	t.Helper()
	chain := NewScanChain(devs...)
	sim := NewSimTransport()
	sim.OnClock = chain.Clock
	a, _ := newTestMPSSE(t, sim, 4)
	return a, sim, chain
}

func shiftBits(t *testing.T, a *MPSSEAdapter, bits int, tms, tdi []byte) []byte {
	t.Helper()
	res, err := a.Shift(context.Background(), mustRequest(t, bits, tms, tdi))
	if err != nil {
		t.Fatalf("Shift(%d bits) returned error: %v", bits, err)
	}
	return res.TDO
}

func TestScanChainThroughMPSSE(t *testing.T) {
	a, sim, chain := newChainMPSSE(t,
		ChainDevice{Name: "XC7A35T", IDCode: idArtix, IRLength: 6, IDCodeInstruction: 0x09},
		ChainDevice{Name: "JTAG-DP", IDCode: idDAP, IRLength: 4, IDCodeInstruction: 0x0E},
	)

	shiftBits(t, a, 5, []byte{0x1F}, []byte{0x00})
	// Test-Logic-Reset -> Shift-DR
	shiftBits(t, a, 4, []byte{0x02}, []byte{0x00})

	tms := make([]byte, 8)
	tms[7] = 0x80
	tdo := shiftBits(t, a, 64, tms, make([]byte, 8))
	want := []byte{0x93, 0xD0, 0x62, 0x03, 0x77, 0x04, 0xA0, 0x4B}
	if !bytes.Equal(tdo, want) {
		t.Fatalf("IDCODE scan = %X, want %X", tdo, want)
	}
	if chain.State() != tap.StateExit1DR || sim.TAPState() != tap.StateExit1DR {
		t.Fatalf("chain in %v, sim in %v, want Exit1DR", chain.State(), sim.TAPState())
	}

	// Exit1-DR -> Run-Test/Idle -> Shift-IR
	shiftBits(t, a, 2, []byte{0x01}, []byte{0x00})
	shiftBits(t, a, 4, []byte{0x03}, []byte{0x00})

	// BYPASS everywhere; TDO carries both capture patterns.
	tdo = shiftBits(t, a, chain.IRLength(), []byte{0x00, 0x02}, []byte{0xFF, 0x03})
	if !bytes.Equal(tdo, []byte{0x41, 0x00}) {
		t.Fatalf("IR capture = %X, want 4100", tdo)
	}
	// Exit1-IR -> Update-IR -> Run-Test/Idle
	shiftBits(t, a, 2, []byte{0x01}, []byte{0x00})
	if chain.Instruction(0) != 0x3F || chain.Instruction(1) != 0x0F {
		t.Fatalf("instructions = %#x %#x, want 0x3f 0xf", chain.Instruction(0), chain.Instruction(1))
	}

	// Run-Test/Idle -> Shift-DR, then 10 bits through two bypass registers.
	shiftBits(t, a, 3, []byte{0x01}, []byte{0x00})
	tdo = shiftBits(t, a, 10, []byte{0x00, 0x02}, []byte{0x05, 0x03})
	if !bytes.Equal(tdo, []byte{0x14, 0x00}) {
		t.Fatalf("bypass scan = %X, want 1400", tdo)
	}

	shiftBits(t, a, 5, []byte{0x1F}, []byte{0x00})
	if chain.Instruction(0) != 0x09 || chain.Instruction(1) != 0x0E {
		t.Fatalf("reset did not restore IDCODE: %#x %#x", chain.Instruction(0), chain.Instruction(1))
	}
}
