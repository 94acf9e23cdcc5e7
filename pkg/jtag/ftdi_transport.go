package jtag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// Default FTDI identifiers (FT2232).
	VendorIDFTDI     = 0x0403
	ProductIDFT2232  = 0x6010
	ProductIDFT4232  = 0x6011
	ProductIDFT232H  = 0x6014
	DefaultLatencyMS = 1
	DefaultTimeout   = 5 * time.Second

	// FTDI vendor requests.
	sioReset        = 0x00
	sioSetLatency   = 0x09
	sioSetBitMode   = 0x0B
	sioResetSIO     = 0
	sioResetPurgeRX = 1
	sioResetPurgeTX = 2

	// Every bulk IN packet starts with two modem status bytes.
	ftdiStatusLen = 2

	rTypeVendorOut uint8 = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
)

// Transport is the raw device channel the MPSSE adapter drives. ReadExact
// must keep reading until n bytes arrive; Write must retry short transfers and
// report the total accepted.
type Transport interface {
	Write(p []byte) (int, error)
	ReadExact(ctx context.Context, n int) ([]byte, error)
	SetBitMode(mask, mode byte) error
	Purge() error
	Close() error
}

// chunkReader returns whatever the device has ready, possibly nothing.
type chunkReader interface {
	readChunk(ctx context.Context, p []byte) (int, error)
}

// readExact loops over r until n bytes are collected or a hard error occurs.
func readExact(ctx context.Context, r chunkReader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("jtag: read %d of %d bytes: %w", got, n, err)
		}
		m, err := r.readChunk(ctx, buf[got:])
		got += m
		if err != nil {
			return nil, fmt.Errorf("jtag: read %d of %d bytes: %w", got, n, err)
		}
	}
	return buf, nil
}

// USBOptions selects and configures an FTDI device.
type USBOptions struct {
	VendorID     uint16
	ProductID    uint16
	Serial       string // empty matches any
	Interface    int    // 0 = A, 1 = B, ...
	LatencyTimer uint8  // milliseconds
	Timeout      time.Duration
}

// USBTransport talks to an FTDI multi-protocol chip through libusb.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	index      uint16 // FTDI port index for control requests (A = 1)
	packetSize int
	timeout    time.Duration

	rx      []byte // raw packet buffer
	pending []byte // payload received but not yet consumed
}

// OpenUSBTransport opens the FTDI device described by opts, resets it, claims
// the requested interface and sets the latency timer.
func OpenUSBTransport(opts USBOptions) (*USBTransport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx := gousb.NewContext()

	dev, err := openFTDI(ctx, opts)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	// Not fatal on all platforms.
	_ = dev.SetAutoDetach(true)
	dev.ControlTimeout = opts.Timeout

	t := &USBTransport{
		ctx:     ctx,
		dev:     dev,
		index:   uint16(opts.Interface + 1),
		timeout: opts.Timeout,
	}

	if err := t.claimInterface(opts.Interface); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.Reset(); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.SetLatencyTimer(opts.LatencyTimer); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func openFTDI(ctx *gousb.Context, opts USBOptions) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == opts.VendorID && uint16(desc.Product) == opts.ProductID
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("USB error: %w", err)
	}

	var found *gousb.Device
	for _, dev := range devs {
		if found == nil && serialMatches(dev, opts.Serial) {
			found = dev
			continue
		}
		dev.Close()
	}
	if found == nil {
		if opts.Serial != "" {
			return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X serial %q)", opts.VendorID, opts.ProductID, opts.Serial)
		}
		return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X)", opts.VendorID, opts.ProductID)
	}
	return found, nil
}

func serialMatches(dev *gousb.Device, want string) bool {
	if want == "" {
		return true
	}
	serial, err := dev.SerialNumber()
	return err == nil && serial == want
}

// claimInterface claims FTDI port n and opens its bulk endpoints.
func (t *USBTransport) claimInterface(n int) error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	intf, err := cfg.Interface(n, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", n, err)
	}
	t.intf = intf

	var inAddr, outAddr int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		case gousb.EndpointDirectionOut:
			outAddr = ep.Number
		}
	}
	if inAddr == 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}
	if outAddr == 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}

	if t.epOut, err = intf.OutEndpoint(outAddr); err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	if t.epIn, err = intf.InEndpoint(inAddr); err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.rx = make([]byte, t.packetSize)
	return nil
}

func (t *USBTransport) control(request uint8, value uint16) error {
	if _, err := t.dev.Control(rTypeVendorOut, request, value, t.index, nil); err != nil {
		return fmt.Errorf("USB control 0x%02X failed: %w", request, err)
	}
	return nil
}

// Reset resets the FTDI serial engine.
func (t *USBTransport) Reset() error {
	t.pending = t.pending[:0]
	return t.control(sioReset, sioResetSIO)
}

// Purge drops anything buffered in either direction, including stale replies.
func (t *USBTransport) Purge() error {
	t.pending = t.pending[:0]
	if err := t.control(sioReset, sioResetPurgeRX); err != nil {
		return err
	}
	return t.control(sioReset, sioResetPurgeTX)
}

// SetLatencyTimer sets how long the chip holds a partial IN packet.
func (t *USBTransport) SetLatencyTimer(ms uint8) error {
	if ms == 0 {
		ms = DefaultLatencyMS
	}
	return t.control(sioSetLatency, uint16(ms))
}

// SetBitMode switches the pin mode; mask selects output pins.
func (t *USBTransport) SetBitMode(mask, mode byte) error {
	return t.control(sioSetBitMode, uint16(mode)<<8|uint16(mask))
}

// Write sends p, retrying until every byte is accepted or the endpoint fails.
func (t *USBTransport) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := t.epOut.Write(p[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("USB write failed: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// ReadExact reads n payload bytes, stripping the status header of every
// packet. Reads that carry only status bytes are retried until the timeout.
func (t *USBTransport) ReadExact(ctx context.Context, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return readExact(ctx, t, n)
}

func (t *USBTransport) readChunk(ctx context.Context, p []byte) (int, error) {
	if len(t.pending) == 0 {
		n, err := t.epIn.ReadContext(ctx, t.rx)
		if err != nil {
			return 0, fmt.Errorf("USB read failed: %w", err)
		}
		if n > ftdiStatusLen {
			t.pending = append(t.pending, t.rx[ftdiStatusLen:n]...)
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[:copy(t.pending, t.pending[n:])]
	return n, nil
}

// Close releases USB resources.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		// Leave the chip in a clean state for the next user.
		_, _ = t.dev.Control(rTypeVendorOut, sioReset, sioResetSIO, t.index, nil)
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
