package idcode

import "fmt"

// manufacturers holds the JEP106 codes seen on common JTAG targets, keyed by
// the 11-bit IDCODE manufacturer field.
var manufacturers = map[uint16]Manufacturer{
	0x001: {Code: 0x001, Name: "AMD", Abbreviation: "AMD"},
	0x004: {Code: 0x004, Name: "Fujitsu", Abbreviation: "Fujitsu"},
	0x009: {Code: 0x009, Name: "Intel", Abbreviation: "Intel"},
	0x00E: {Code: 0x00E, Name: "Freescale (Motorola)", Abbreviation: "Freescale"},
	0x00F: {Code: 0x00F, Name: "National", Abbreviation: "National"},
	0x010: {Code: 0x010, Name: "NEC", Abbreviation: "NEC"},
	0x015: {Code: 0x015, Name: "NXP (Philips)", Abbreviation: "NXP"},
	0x017: {Code: 0x017, Name: "Texas Instruments", Abbreviation: "TI"},
	0x018: {Code: 0x018, Name: "Toshiba", Abbreviation: "Toshiba"},
	0x01F: {Code: 0x01F, Name: "Atmel", Abbreviation: "Atmel"},
	0x020: {Code: 0x020, Name: "STMicroelectronics", Abbreviation: "STM"},
	0x021: {Code: 0x021, Name: "Lattice Semiconductor", Abbreviation: "Lattice"},
	0x029: {Code: 0x029, Name: "Microchip Technology", Abbreviation: "Microchip"},
	0x034: {Code: 0x034, Name: "Cypress", Abbreviation: "Cypress"},
	0x041: {Code: 0x041, Name: "Infineon", Abbreviation: "Infineon"},
	0x049: {Code: 0x049, Name: "Xilinx", Abbreviation: "Xilinx"},
	0x065: {Code: 0x065, Name: "Analog Devices", Abbreviation: "ADI"},
	0x06E: {Code: 0x06E, Name: "Altera", Abbreviation: "Altera"},
	0x23B: {Code: 0x23B, Name: "ARM Ltd", Abbreviation: "ARM"},
	0x272: {Code: 0x272, Name: "Espressif", Abbreviation: "Espressif"},
}

// LookupManufacturer returns manufacturer info for a JEP106 code
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	m, ok := manufacturers[code]
	if !ok {
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (bank %d, 0x%02X)", code>>7, code&0x7F),
			Abbreviation: "Unknown",
		}, false
	}
	return m, true
}
