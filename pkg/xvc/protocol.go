// Package xvc implements the Xilinx Virtual Cable wire protocol on top of a
// jtag shift engine.
package xvc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

// CommandShift is the only command tag the daemon understands.
const CommandShift = "shift:"

// ErrUnknownCommand reports a command tag other than "shift:". It is a
// protocol violation and ends the connection.
var ErrUnknownCommand = fmt.Errorf("%w: unknown command", jtag.ErrProtocolViolation)

// ReadRequest reads one shift command: the tag, a little-endian 32-bit bit
// count, then the TMS and TDI vectors back to back. It returns io.EOF
// unwrapped when the peer closes cleanly between commands.
func ReadRequest(r io.Reader, maxBits int) (jtag.ShiftRequest, error) {
	var hdr [len(CommandShift) + 4]byte
	if _, err := io.ReadFull(r, hdr[:len(CommandShift)]); err != nil {
		if err == io.EOF {
			return jtag.ShiftRequest{}, io.EOF
		}
		return jtag.ShiftRequest{}, fmt.Errorf("xvc: read command: %w", err)
	}
	if !bytes.Equal(hdr[:len(CommandShift)], []byte(CommandShift)) {
		return jtag.ShiftRequest{}, fmt.Errorf("%w %q", ErrUnknownCommand, hdr[:len(CommandShift)])
	}
	if _, err := io.ReadFull(r, hdr[len(CommandShift):]); err != nil {
		return jtag.ShiftRequest{}, fmt.Errorf("xvc: read length: %w", noEOF(err))
	}

	n := binary.LittleEndian.Uint32(hdr[len(CommandShift):])
	if n == 0 {
		return jtag.ShiftRequest{}, fmt.Errorf("%w: zero-length shift", jtag.ErrProtocolViolation)
	}
	if maxBits <= 0 || maxBits > jtag.MaxShiftBits {
		maxBits = jtag.MaxShiftBits
	}
	if uint64(n) > uint64(maxBits) {
		return jtag.ShiftRequest{}, fmt.Errorf("%w: %d bits exceeds limit of %d", jtag.ErrVectorTooLong, n, maxBits)
	}

	bits := int(n)
	buf := make([]byte, 2*jtag.ByteLen(bits))
	if _, err := io.ReadFull(r, buf); err != nil {
		return jtag.ShiftRequest{}, fmt.Errorf("xvc: read vectors: %w", noEOF(err))
	}
	return jtag.NewShiftRequest(bits, buf)
}

// noEOF turns a clean EOF in the middle of a command into ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteResult sends exactly ByteLen(bits) bytes of TDO.
func WriteResult(w io.Writer, res jtag.ShiftResult, bits int) error {
	n := jtag.ByteLen(bits)
	if len(res.TDO) < n {
		return fmt.Errorf("xvc: result has %d bytes, want %d", len(res.TDO), n)
	}
	if _, err := w.Write(res.TDO[:n]); err != nil {
		return fmt.Errorf("xvc: write result: %w", err)
	}
	return nil
}

// ApplyIRFix rewrites the bogus 12-bit instruction scan some iMPACT versions
// send (TDI 00 0d) into FF 0F. It reports whether the request was changed.
func ApplyIRFix(req *jtag.ShiftRequest) bool {
	if req.Bits != 12 || len(req.TDI) < 2 {
		return false
	}
	if req.TDI[0] != 0x00 || req.TDI[1] != 0x0d {
		return false
	}
	req.TDI[0] = 0xFF
	req.TDI[1] = 0x0F
	return true
}
