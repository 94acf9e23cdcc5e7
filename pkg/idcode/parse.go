package idcode

import "fmt"

// ParseIDCode parses a raw 32-bit IDCODE into its component fields
func ParseIDCode(raw uint32) IDCode {
	return IDCode{
		Raw:              raw,
		Version:          uint8((raw >> 28) & 0xF),
		PartNumber:       uint16((raw >> 12) & 0xFFFF),
		ManufacturerCode: uint16((raw >> 1) & 0x7FF),
		HasIDCode:        (raw & 0x1) == 0x1,
	}
}

// Bank returns the number of JEP106 continuation codes before the identity.
func (id IDCode) Bank() int {
	return int(id.ManufacturerCode >> 7)
}

// Identity returns the JEP106 identity code without its parity bit.
func (id IDCode) Identity() uint8 {
	return uint8(id.ManufacturerCode & 0x7F)
}

// Valid reports whether raw looks like an IDCODE rather than a BYPASS zero
// or a floating all-ones TDO. 0x7F is reserved as the continuation code.
func (id IDCode) Valid() bool {
	return id.HasIDCode && id.Raw != 0xFFFFFFFF && id.Identity() != 0x7F && id.Identity() != 0
}

func (id IDCode) String() string {
	m, _ := LookupManufacturer(id.ManufacturerCode)
	return fmt.Sprintf("0x%08X (%s part 0x%04X rev %d)", id.Raw, m.Abbreviation, id.PartNumber, id.Version)
}
