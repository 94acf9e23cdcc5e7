package jtag

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// InterfaceKind categorizes adapter families.
type InterfaceKind string

const (
	InterfaceKindFTDI InterfaceKind = "ftdi"
	InterfaceKindSim  InterfaceKind = "simulator"
)

// InterfaceInfo describes a cable the daemon can drive.
type InterfaceInfo struct {
	Kind        InterfaceKind
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Ports       int // MPSSE-capable ports, starting at A
}

// Label returns a user-friendly description for the interface.
func (i InterfaceInfo) Label() string {
	switch {
	case i.Description != "":
		return i.Description
	case i.Kind != "":
		return fmt.Sprintf("%s (%04X:%04X)", i.Kind, i.VendorID, i.ProductID)
	default:
		return fmt.Sprintf("Interface %04X:%04X", i.VendorID, i.ProductID)
	}
}

// PortNames lists the --interface values valid for this chip.
func (i InterfaceInfo) PortNames() []string {
	names := make([]string, i.Ports)
	for p := range names {
		names[p] = string(rune('A' + p))
	}
	return names
}

// mpsseChips maps FTDI product ids to chips with an MPSSE engine. The
// FT4232H has four ports but only A and B carry MPSSE.
var mpsseChips = map[uint16]struct {
	name  string
	ports int
}{
	ProductIDFT2232: {"FTDI FT2232", 2},
	ProductIDFT4232: {"FTDI FT4232H", 2},
	ProductIDFT232H: {"FTDI FT232H", 1},
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (InterfaceInfo, bool) {
	if uint16(desc.Vendor) != VendorIDFTDI {
		return InterfaceInfo{}, false
	}
	chip, ok := mpsseChips[uint16(desc.Product)]
	if !ok {
		return InterfaceInfo{}, false
	}
	return InterfaceInfo{
		Kind:        InterfaceKindFTDI,
		Description: chip.name,
		VendorID:    VendorIDFTDI,
		ProductID:   uint16(desc.Product),
		Ports:       chip.ports,
	}, true
}

// DiscoverInterfaces enumerates attached FTDI MPSSE chips with their serial
// numbers. The simulator is always listed last so the daemon can run without
// hardware. Devices that cannot be opened for lack of permission are skipped.
func DiscoverInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() != nil {
			return false
		}
		_, ok := classifyUSBDevice(desc)
		return ok
	})

	var results []InterfaceInfo
	for _, dev := range devs {
		info, _ := classifyUSBDevice(dev.Desc)
		info.Serial, _ = dev.SerialNumber()
		results = append(results, info)
		dev.Close()
	}
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}

	return append(results, InterfaceInfo{
		Kind:        InterfaceKindSim,
		Description: "Simulator (no hardware)",
	}), nil
}
