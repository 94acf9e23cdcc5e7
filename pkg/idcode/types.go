package idcode

// IDCode represents a parsed IEEE 1149.1 JTAG IDCODE
type IDCode struct {
	Raw              uint32 // full IDCODE
	Version          uint8  // [31:28]
	PartNumber       uint16 // [27:12]
	ManufacturerCode uint16 // [11:1] JEP106
	HasIDCode        bool   // bit 0 == 1
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // bank in [10:7], identity in [6:0]
	Name         string
	Abbreviation string
}

// Device describes a known TAP: enough to put it on a scan chain.
type Device struct {
	Name   string // "XC7A35T"
	Family string // "Artix-7"

	IRLength int
	// IDCodeInstruction selects the IDCODE register. Zero means the device
	// only exposes it after Test-Logic-Reset.
	IDCodeInstruction uint32
}
