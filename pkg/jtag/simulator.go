package jtag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

// ClockHook lets the simulator emulate the scan chain: it is called once per
// TCK with the TMS and TDI levels and returns the TDO sampled on that clock.
type ClockHook func(tms, tdi bool) (tdo bool)

// SimTransport is an in-memory FTDI device that executes the MPSSE commands
// used by the adapter bit for bit. By default TDO is wired back to TDI.
//
// Like the real engine it keeps one capture register across commands: each
// clock shifts it right with the new TDO bit entering at bit 7, and a reading
// command returns the register after its last clock. Unknown opcodes answer
// 0xFA followed by the opcode.
type SimTransport struct {
	OnClock ClockHook

	// ReadChunk caps how many bytes a single device read returns; zero means
	// no cap. Every other read returns nothing to mimic idle status packets.
	ReadChunk int
	// ShortWrite drops the last byte of every write and reports it.
	ShortWrite bool
	// WriteErr fails every write.
	WriteErr error

	mu       sync.Mutex
	mode     byte
	mask     byte
	divisor  uint16
	writes   [][]byte
	pins     []byte
	rx       []byte
	capture  byte
	clocks   int
	idleRead bool
	state    *tap.StateMachine
	closed   bool
}

// NewSimTransport returns a loopback device in reset bit mode with the TAP in
// Test-Logic-Reset.
func NewSimTransport() *SimTransport {
	return &SimTransport{state: tap.NewStateMachine()}
}

// Writes returns a copy of every command buffer written so far.
func (s *SimTransport) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	for i, w := range s.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Pins returns the values written while in bit-bang mode.
func (s *SimTransport) Pins() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pins...)
}

// BitMode reports the current mode and output mask.
func (s *SimTransport) BitMode() (mode, mask byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.mask
}

// Divisor reports the last TCK divisor programmed.
func (s *SimTransport) Divisor() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.divisor
}

// Clocks reports the number of TCK cycles executed.
func (s *SimTransport) Clocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocks
}

// TAPState reports the emulated TAP controller state.
func (s *SimTransport) TAPState() tap.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State()
}

// Pending reports how many reply bytes are waiting to be read.
func (s *SimTransport) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx)
}

func (s *SimTransport) SetBitMode(mask, mode byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sim: device closed")
	}
	s.mode, s.mask = mode, mask
	return nil
}

func (s *SimTransport) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = s.rx[:0]
	return nil
}

func (s *SimTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("sim: device closed")
	}
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	if s.ShortWrite && len(p) > 0 {
		return len(p) - 1, nil
	}

	switch s.mode {
	case BitModeBitBang:
		s.pins = append(s.pins, p...)
		return len(p), nil
	case BitModeMPSSE:
		if err := s.execute(p); err != nil {
			return 0, err
		}
		return len(p), nil
	default:
		return 0, fmt.Errorf("sim: write in bit mode 0x%02X", s.mode)
	}
}

func (s *SimTransport) ReadExact(ctx context.Context, n int) ([]byte, error) {
	return readExact(ctx, s, n)
}

func (s *SimTransport) readChunk(_ context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("sim: device closed")
	}
	if s.ReadChunk > 0 {
		s.idleRead = !s.idleRead
		if s.idleRead {
			return 0, nil
		}
	}
	if len(s.rx) == 0 {
		// The real chip would keep sending status packets until the read
		// times out; nothing more will ever arrive here.
		return 0, errors.New("sim: no data pending")
	}
	want := len(p)
	if s.ReadChunk > 0 && want > s.ReadChunk {
		want = s.ReadChunk
	}
	n := copy(p[:want], s.rx)
	s.rx = s.rx[n:]
	return n, nil
}

func (s *SimTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// execute runs an MPSSE command stream.
func (s *SimTransport) execute(p []byte) error {
	for len(p) > 0 {
		op := p[0]
		switch {
		case op == MPSSESetBitsLow || op == 0x82:
			if len(p) < 3 {
				return errTruncated(op)
			}
			p = p[3:]
		case op == MPSSETCKDivisor:
			if len(p) < 3 {
				return errTruncated(op)
			}
			s.divisor = uint16(p[1]) | uint16(p[2])<<8
			p = p[3:]
		case op == MPSSESendImmediate || op == MPSSELoopbackOn || op == MPSSELoopbackOff:
			p = p[1:]
		case op&0x80 == 0 && op&MPSSEWriteTMS != 0:
			if len(p) < 3 {
				return errTruncated(op)
			}
			s.clockTMS(op, int(p[1])+1, p[2])
			p = p[3:]
		case op&0x80 == 0 && op&MPSSEBitMode != 0 && op&(MPSSEDoWrite|MPSSEDoRead) != 0:
			n := 2
			if op&MPSSEDoWrite != 0 {
				n = 3
			}
			if len(p) < n {
				return errTruncated(op)
			}
			var data byte
			if op&MPSSEDoWrite != 0 {
				data = p[2]
			}
			s.clockBits(op, int(p[1])+1, data)
			p = p[n:]
		case op&0x80 == 0 && op&(MPSSEDoWrite|MPSSEDoRead) != 0:
			if len(p) < 3 {
				return errTruncated(op)
			}
			length := (int(p[1]) | int(p[2])<<8) + 1
			p = p[3:]
			data := make([]byte, length)
			if op&MPSSEDoWrite != 0 {
				if len(p) < length {
					return errTruncated(op)
				}
				copy(data, p[:length])
				p = p[length:]
			}
			for _, b := range data {
				s.clockBits(op, 8, b)
			}
		default:
			s.rx = append(s.rx, MPSSEBadCommandEcho, op)
			p = p[1:]
		}
	}
	return nil
}

func errTruncated(op byte) error {
	return fmt.Errorf("sim: truncated command 0x%02X", op)
}

func (s *SimTransport) clock(tms, tdi bool) {
	tdo := tdi
	if s.OnClock != nil {
		tdo = s.OnClock(tms, tdi)
	}
	s.capture >>= 1
	if tdo {
		s.capture |= 0x80
	}
	s.state.Clock(tms)
	s.clocks++
}

// clockBits shifts n bits of data on TDI with TMS low.
func (s *SimTransport) clockBits(op byte, n int, data byte) {
	for i := 0; i < n; i++ {
		var tdi bool
		if op&MPSSELSB != 0 {
			tdi = data&(1<<uint(i)) != 0
		} else {
			tdi = data&(0x80>>uint(i)) != 0
		}
		s.clock(false, tdi)
	}
	if op&MPSSEDoRead != 0 {
		s.rx = append(s.rx, s.capture)
	}
}

// clockTMS shifts n bits of data on TMS while bit 7 holds TDI.
func (s *SimTransport) clockTMS(op byte, n int, data byte) {
	tdi := data&0x80 != 0
	for i := 0; i < n; i++ {
		s.clock(data&(1<<uint(i)) != 0, tdi)
	}
	if op&MPSSEDoRead != 0 {
		s.rx = append(s.rx, s.capture)
	}
}
