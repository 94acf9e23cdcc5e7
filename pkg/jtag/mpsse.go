package jtag

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MPSSE base clock for the TCK divisor: TCK = 6 MHz / (1 + divisor).
const (
	mpsseBaseClock = 6_000_000
	DefaultDivisor = 1
)

// MPSSEOptions configures an MPSSEAdapter.
type MPSSEOptions struct {
	Logger *zap.Logger
	// Verbosity gates diagnostics: 2 classification, 3 vector dumps,
	// 4 segment layout and readback sync check, 5 raw readback.
	Verbosity int
	Info      AdapterInfo
}

var _ Adapter = (*MPSSEAdapter)(nil)

// MPSSEAdapter implements the Adapter interface for FTDI chips in MPSSE mode.
// Every device transaction runs under mu, so shifts from concurrent callers
// are serialized and never interleave on the wire.
type MPSSEAdapter struct {
	transport Transport
	log       *zap.Logger
	verbosity int

	info    AdapterInfo
	divisor uint16

	mu sync.Mutex
}

// NewMPSSEAdapter wraps an opened transport. Call Configure before shifting.
func NewMPSSEAdapter(t Transport, opts MPSSEOptions) *MPSSEAdapter {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	info := opts.Info
	if info.Name == "" {
		info.Name = "FTDI MPSSE"
	}
	info.MinFrequency = mpsseBaseClock / 65536
	info.MaxFrequency = mpsseBaseClock
	return &MPSSEAdapter{
		transport: t,
		log:       log,
		verbosity: opts.Verbosity,
		info:      info,
		divisor:   DefaultDivisor,
	}
}

// Info returns adapter capabilities
func (a *MPSSEAdapter) Info() (AdapterInfo, error) {
	return a.info, nil
}

// Configure enters MPSSE mode and programs pin directions and the TCK divisor.
func (a *MPSSEAdapter) Configure(divisor uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configure(divisor)
}

func (a *MPSSEAdapter) configure(divisor uint16) error {
	if err := a.transport.SetBitMode(JTAGDirection, BitModeBitBang); err != nil {
		return fmt.Errorf("set bit-bang mode: %w", err)
	}
	if err := a.transport.SetBitMode(JTAGDirection, BitModeMPSSE); err != nil {
		return fmt.Errorf("set MPSSE mode: %w", err)
	}
	if err := a.transport.Purge(); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if err := a.write(EncodeInit(divisor)); err != nil {
		return fmt.Errorf("FTDI initialization failed: %w", err)
	}
	a.divisor = divisor
	return nil
}

// Verify sends two invalid opcodes and checks that the engine echoes each one
// behind the bad-command marker, proving the command stream is in sync.
func (a *MPSSEAdapter) Verify(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, op := range []byte{0xAA, 0xAB} {
		if err := a.write([]byte{op, MPSSESendImmediate}); err != nil {
			return fmt.Errorf("MPSSE verification failed: %w", err)
		}
		res, err := a.transport.ReadExact(ctx, 2)
		if err != nil {
			return fmt.Errorf("MPSSE verification failed: %w", err)
		}
		if res[0] != MPSSEBadCommandEcho || res[1] != op {
			return fmt.Errorf("MPSSE verification failed for byte %#x: got %X", op, res)
		}
	}
	return nil
}

// SetSpeed sets the TCK frequency to the closest divisor at or below hz.
func (a *MPSSEAdapter) SetSpeed(hz int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hz < a.info.MinFrequency || hz > a.info.MaxFrequency {
		return fmt.Errorf("frequency %d Hz out of range [%d, %d]",
			hz, a.info.MinFrequency, a.info.MaxFrequency)
	}
	div := (mpsseBaseClock+hz-1)/hz - 1
	if div > 0xFFFF {
		div = 0xFFFF
	}
	if err := a.write([]byte{MPSSETCKDivisor, byte(div), byte(div >> 8)}); err != nil {
		return fmt.Errorf("set speed failed: %w", err)
	}
	a.divisor = uint16(div)
	return nil
}

// SetCommandByte clocks cb out MSB first on ADBUS5 with a strobe on ADBUS4,
// using plain bit-bang mode, then restores the MPSSE engine. It drives an
// external switch on boards that share the cable.
func (a *MPSSEAdapter) SetCommandByte(cb byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Debug("setting command byte", zap.String("value", fmt.Sprintf("%02X", cb)))
	if err := a.transport.SetBitMode(JTAGDirection, BitModeBitBang); err != nil {
		return fmt.Errorf("set bit-bang mode: %w", err)
	}
	if err := a.write([]byte{0x00}); err != nil {
		return fmt.Errorf("command byte: %w", err)
	}
	if err := a.transport.SetBitMode(JTAGDirection|cmdPinData|cmdPinStrobe, BitModeBitBang); err != nil {
		return fmt.Errorf("set bit-bang mode: %w", err)
	}
	if err := a.write(EncodeCommandByte(cb)); err != nil {
		return fmt.Errorf("command byte: %w", err)
	}
	return a.configure(a.divisor)
}

// Shift executes one XVC shift. Requests of TMSMoveMaxBits or fewer are pure
// state-machine moves and return all-zero TDO; longer requests are data shifts
// whose TMS vector may only be set on the final bit.
func (a *MPSSEAdapter) Shift(ctx context.Context, req ShiftRequest) (ShiftResult, error) {
	if err := req.Validate(); err != nil {
		return ShiftResult{}, err
	}

	if req.Bits <= TMSMoveMaxBits {
		if a.verbosity >= 2 {
			a.log.Debug("JTAG state movement",
				zap.String("tms_bits", bitString(req.TMS, req.Bits)),
				zap.String("tms", fmt.Sprintf("%02X", req.TMS[0])),
				zap.String("tdi", fmt.Sprintf("%02X", req.TDI[0])))
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.tmsMove(req.Bits, req.TMS[0]); err != nil {
			return ShiftResult{}, err
		}
		return ShiftResult{TDO: make([]byte, ByteLen(req.Bits))}, nil
	}

	if a.verbosity >= 2 {
		a.log.Debug("instruction/data shift", zap.Int("bits", req.Bits))
	}
	lastTMS, err := CheckTMS(req)
	if err != nil {
		var v *TMSViolationError
		if errors.As(err, &v) {
			a.log.Error("TMS movement inside data shift",
				zap.Int("bits", v.Bits),
				zap.String("tms", hex.EncodeToString(v.TMS)),
				zap.String("tdi", hex.EncodeToString(v.TDI)))
		}
		return ShiftResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	tdo, err := a.shiftTDI(ctx, req.TDI, req.Bits, lastTMS)
	if err != nil {
		return ShiftResult{}, err
	}
	if a.verbosity >= 3 {
		a.log.Debug("TDO data", zap.String("tdo", hex.EncodeToString(tdo)))
	}
	return ShiftResult{TDO: tdo}, nil
}

// tmsMove clocks bits of TMS without capturing anything.
func (a *MPSSEAdapter) tmsMove(bits int, tms byte) error {
	cmd, err := EncodeTMSMove(bits, tms)
	if err != nil {
		return err
	}
	if err := a.write(cmd); err != nil {
		return fmt.Errorf("TMS move failed: %w", err)
	}
	return nil
}

// shiftTDI issues the planned segments as one write and reassembles the
// readback. Once the write is out the readback is not cancellable.
func (a *MPSSEAdapter) shiftTDI(ctx context.Context, tdi []byte, bits int, lastTMS bool) ([]byte, error) {
	plan, err := BuildPlan(tdi, bits, lastTMS)
	if err != nil {
		return nil, err
	}
	if plan.CoveredBits() != bits {
		return nil, fmt.Errorf("jtag: plan covers %d bits, want %d", plan.CoveredBits(), bits)
	}
	cmd := plan.Encode()
	if len(cmd) != plan.CommandLen() {
		return nil, fmt.Errorf("jtag: command is %d bytes, want %d", len(cmd), plan.CommandLen())
	}

	if a.verbosity >= 4 {
		a.log.Debug("shift segments",
			zap.Int("bits", bits),
			zap.Int("bytes", len(plan.Bytes)),
			zap.Int("leftover_bits", plan.BitCount),
			zap.Bool("last_tms", plan.LastTMS),
			zap.Bool("last_tdi", plan.LastTDI))
	}

	if err := a.write(cmd); err != nil {
		return nil, fmt.Errorf("shift failed: %w", err)
	}
	res, err := a.transport.ReadExact(context.WithoutCancel(ctx), plan.ReadbackLen())
	if err != nil {
		return nil, fmt.Errorf("shift readback failed: %w", err)
	}

	if a.verbosity >= 5 {
		a.log.Debug("read back", zap.String("raw", hex.EncodeToString(res)))
	}
	if a.verbosity >= 4 {
		if err := plan.CheckSync(res); err != nil {
			a.log.Warn("MPSSE stream desynchronized", zap.Error(err))
		}
	}
	return plan.Reassemble(res)
}

// write sends cmd and treats a partial transfer as a failure.
func (a *MPSSEAdapter) write(cmd []byte) error {
	n, err := a.transport.Write(cmd)
	if err != nil {
		return err
	}
	if n != len(cmd) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(cmd))
	}
	return nil
}

// Close releases the device.
func (a *MPSSEAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport.Close()
}

// bitString renders the first n bits of buf in clock order.
func bitString(buf []byte, n int) string {
	var b strings.Builder
	for i, bit := range UnpackBits(buf, n) {
		if i > 0 {
			b.WriteByte(' ')
		}
		if bit {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
