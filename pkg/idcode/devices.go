package idcode

type deviceKey struct {
	ManufacturerCode uint16
	PartNumber       uint16
}

const (
	jepXilinx  = 0x049
	jepAltera  = 0x06E
	jepLattice = 0x021
	jepST      = 0x020
	jepARM     = 0x23B
)

var devices = map[deviceKey]Device{
	// Xilinx 7-series and Spartan-6 share the 6-bit IR with IDCODE at 0x09.
	{jepXilinx, 0x362D}: {Name: "XC7A35T", Family: "Artix-7", IRLength: 6, IDCodeInstruction: 0x09},
	{jepXilinx, 0x3631}: {Name: "XC7A100T", Family: "Artix-7", IRLength: 6, IDCodeInstruction: 0x09},
	{jepXilinx, 0x3651}: {Name: "XC7K325T", Family: "Kintex-7", IRLength: 6, IDCodeInstruction: 0x09},
	{jepXilinx, 0x3727}: {Name: "XC7Z020", Family: "Zynq-7000", IRLength: 6, IDCodeInstruction: 0x09},
	{jepXilinx, 0x4001}: {Name: "XC6SLX9", Family: "Spartan-6", IRLength: 6, IDCodeInstruction: 0x09},

	{jepAltera, 0x20F3}: {Name: "EP4CE22", Family: "Cyclone IV E", IRLength: 10, IDCodeInstruction: 0x006},
	{jepLattice, 0x1111}: {Name: "LFE5U-25F", Family: "ECP5", IRLength: 8, IDCodeInstruction: 0xE0},

	{jepST, 0x6413}: {Name: "STM32F40x/41x boundary scan", Family: "STM32F4", IRLength: 5},
	{jepST, 0x6410}: {Name: "STM32F10x boundary scan", Family: "STM32F1", IRLength: 5},

	{jepARM, 0xBA00}: {Name: "JTAG-DP", Family: "ARM CoreSight", IRLength: 4, IDCodeInstruction: 0x0E},
}

// Lookup returns the device registered for raw's manufacturer and part
// number. The version nibble is ignored.
func Lookup(raw uint32) (Device, bool) {
	id := ParseIDCode(raw)
	d, ok := devices[deviceKey{id.ManufacturerCode, id.PartNumber}]
	return d, ok
}
