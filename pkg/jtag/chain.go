package jtag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

// irCapture is the pattern IEEE 1149.1 requires in the two low IR bits on
// Capture-IR.
const irCapture = 0x01

// ChainDevice is one TAP in a simulated scan chain.
type ChainDevice struct {
	Name              string
	IDCode            uint32
	IRLength          int
	IDCodeInstruction uint32
}

// ParseChainDevice parses "IDCODE[/IRLEN]" where both numbers accept a 0x
// prefix. Without an IR length the device table is consulted.
func ParseChainDevice(s string) (ChainDevice, error) {
	idPart, irPart, hasIR := strings.Cut(strings.TrimSpace(s), "/")
	raw, err := strconv.ParseUint(idPart, 0, 32)
	if err != nil {
		return ChainDevice{}, fmt.Errorf("chain device %q: bad IDCODE: %w", s, err)
	}
	dev := ChainDevice{IDCode: uint32(raw)}
	if !idcode.ParseIDCode(dev.IDCode).Valid() {
		return ChainDevice{}, fmt.Errorf("chain device %q: 0x%08X is not an IDCODE", s, dev.IDCode)
	}

	known, ok := idcode.Lookup(dev.IDCode)
	if ok {
		dev.Name = known.Name
		dev.IRLength = known.IRLength
		dev.IDCodeInstruction = known.IDCodeInstruction
	} else {
		dev.Name = idcode.ParseIDCode(dev.IDCode).String()
	}
	if hasIR {
		n, err := strconv.ParseUint(irPart, 0, 8)
		if err != nil {
			return ChainDevice{}, fmt.Errorf("chain device %q: bad IR length: %w", s, err)
		}
		dev.IRLength = int(n)
	}
	if dev.IRLength < 2 || dev.IRLength > 32 {
		return ChainDevice{}, fmt.Errorf("chain device %q: IR length %d outside [2, 32]", s, dev.IRLength)
	}
	return dev, nil
}

type chainTAP struct {
	dev    ChainDevice
	ir     uint32 // IR shift stage
	inst   uint32 // latched instruction
	idcode bool   // IDCODE register selected
	dr     uint32 // selected DR shift stage
}

// reset selects IDCODE, even on devices without an IDCODE opcode.
func (t *chainTAP) reset() {
	t.inst = t.dev.IDCodeInstruction
	t.idcode = true
}

func (t *chainTAP) update() {
	t.inst = t.ir & (1<<uint(t.dev.IRLength) - 1)
	t.idcode = t.dev.IDCodeInstruction != 0 && t.inst == t.dev.IDCodeInstruction
}

func (t *chainTAP) drLength() int {
	if t.idcode {
		return 32
	}
	return 1 // BYPASS and every other instruction
}

// ScanChain emulates TAPs wired TDI -> Devices[last] -> ... -> Devices[0] ->
// TDO, so Devices[0]'s IDCODE is the first one read out. Every instruction
// except IDCODE selects a one-bit bypass register.
//
// Clock matches ClockHook; plug it into SimTransport.OnClock. A ScanChain is
// not safe for concurrent use on its own.
type ScanChain struct {
	taps  []chainTAP
	state *tap.StateMachine
}

// NewScanChain builds a chain in Test-Logic-Reset with IDCODE selected.
func NewScanChain(devices ...ChainDevice) *ScanChain {
	c := &ScanChain{state: tap.NewStateMachine()}
	for _, d := range devices {
		t := chainTAP{dev: d}
		t.reset()
		c.taps = append(c.taps, t)
	}
	return c
}

// Devices returns the chain members, TDO end first.
func (c *ScanChain) Devices() []ChainDevice {
	out := make([]ChainDevice, len(c.taps))
	for i := range c.taps {
		out[i] = c.taps[i].dev
	}
	return out
}

// IRLength is the total instruction register length of the chain.
func (c *ScanChain) IRLength() int {
	n := 0
	for i := range c.taps {
		n += c.taps[i].dev.IRLength
	}
	return n
}

// State reports the chain's TAP controller state.
func (c *ScanChain) State() tap.State {
	return c.state.State()
}

// Instruction reports the instruction latched in device i.
func (c *ScanChain) Instruction(i int) uint32 {
	return c.taps[i].inst
}

// Clock runs one TCK. TDO is sampled from the shift stage before it moves; an
// empty chain behaves as a wire and outside shift states TDO reads low.
func (c *ScanChain) Clock(tms, tdi bool) bool {
	tdo := false
	switch c.state.State() {
	case tap.StateShiftIR:
		tdo = c.shift(tdi, func(t *chainTAP) (*uint32, int) { return &t.ir, t.dev.IRLength })
	case tap.StateShiftDR:
		tdo = c.shift(tdi, func(t *chainTAP) (*uint32, int) { return &t.dr, t.drLength() })
	case tap.StateCaptureIR:
		for i := range c.taps {
			c.taps[i].ir = irCapture
		}
	case tap.StateCaptureDR:
		for i := range c.taps {
			t := &c.taps[i]
			t.dr = 0
			if t.idcode {
				t.dr = t.dev.IDCode
			}
		}
	}

	switch c.state.Clock(tms) {
	case tap.StateUpdateIR:
		for i := range c.taps {
			c.taps[i].update()
		}
	case tap.StateTestLogicReset:
		for i := range c.taps {
			c.taps[i].reset()
		}
	}
	return tdo
}

// shift moves every device's selected register one place toward TDO.
func (c *ScanChain) shift(tdi bool, reg func(*chainTAP) (*uint32, int)) bool {
	if len(c.taps) == 0 {
		return tdi
	}
	in := tdi
	for i := len(c.taps) - 1; i >= 0; i-- {
		r, n := reg(&c.taps[i])
		out := *r&1 != 0
		*r >>= 1
		if in {
			*r |= 1 << uint(n-1)
		}
		in = out
	}
	return in
}
