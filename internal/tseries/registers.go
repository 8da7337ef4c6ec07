// Package tseries talks to LabJack T-series data-acquisition devices over
// Modbus TCP. It offers named register access, the stream lifecycle
// (start/read/stop with device-reported actual rates and backlog), and an
// in-memory emulator (NoDevice) for tests and dry runs.
package tseries

import (
	"fmt"
)

// RegType describes how a register's value is encoded on the Modbus wire.
type RegType int

// Register value encodings. F32 and U32 occupy two consecutive 16-bit
// registers, big-endian; U16 occupies one.
const (
	U16 RegType = iota
	U32
	F32
)

// Words returns how many 16-bit Modbus registers a value of this type spans.
func (rt RegType) Words() int {
	if rt == U16 {
		return 1
	}
	return 2
}

func (rt RegType) String() string {
	switch rt {
	case U16:
		return "U16"
	case U32:
		return "U32"
	case F32:
		return "F32"
	}
	return fmt.Sprintf("RegType(%d)", int(rt))
}

// Register locates one named register in the device's Modbus map.
type Register struct {
	Address uint16
	Type    RegType
}

// registerMap holds the subset of the T-series Modbus map that this engine
// touches. Families with a per-index address stride are generated in init().
var registerMap = map[string]Register{
	// Analog outputs and digital ports.
	"DAC0":          {1000, F32},
	"DAC1":          {1002, F32},
	"FIO_STATE":     {2500, U16},
	"EIO_STATE":     {2501, U16},
	"FIO_DIRECTION": {2600, U16},
	"EIO_DIRECTION": {2601, U16},
	"DIO_STATE":     {2800, U32},
	"DIO_DIRECTION": {2850, U32},
	"DIO_INHIBIT":   {2900, U32},

	// Stream control block.
	"STREAM_SCANRATE_HZ":            {4002, F32},
	"STREAM_NUM_ADDRESSES":          {4004, U32},
	"STREAM_SAMPLES_PER_PACKET":     {4006, U32},
	"STREAM_SETTLING_US":            {4008, F32},
	"STREAM_RESOLUTION_INDEX":       {4010, U32},
	"STREAM_BUFFER_SIZE_BYTES":      {4012, U32},
	"STREAM_CLOCK_SOURCE":           {4014, U32},
	"STREAM_AUTO_TARGET":            {4016, U32},
	"STREAM_DATATYPE":               {4018, U32},
	"STREAM_NUM_SCANS":              {4020, U32},
	"STREAM_EXTERNAL_CLOCK_DIVISOR": {4022, U32},
	"STREAM_TRIGGER_INDEX":          {4024, U32},
	"STREAM_ENABLE":                 {4990, U32},

	// Analog front-end, whole-bank forms.
	"AIN_ALL_RANGE":       {43900, F32},
	"AIN_ALL_NEGATIVE_CH": {43902, U16},

	// Device identity.
	"PRODUCT_ID":       {60000, F32},
	"HARDWARE_VERSION": {60002, F32},
	"FIRMWARE_VERSION": {60004, F32},
	"SERIAL_NUMBER":    {60028, U32},
}

const (
	// NumStreamOuts is how many stream-out channels the hardware offers.
	NumStreamOuts = 4
	numAIN        = 14
	numFIO        = 8
)

func init() {
	// AIN0..AIN13 at stride 2, with per-channel range and negative-channel
	// configuration registers.
	for i := 0; i < numAIN; i++ {
		registerMap[fmt.Sprintf("AIN%d", i)] = Register{uint16(2 * i), F32}
		registerMap[fmt.Sprintf("AIN%d_RANGE", i)] = Register{uint16(40000 + 2*i), F32}
		registerMap[fmt.Sprintf("AIN%d_NEGATIVE_CH", i)] = Register{uint16(41000 + i), U16}
	}

	// FIO0..FIO7 single-line bit registers.
	for i := 0; i < numFIO; i++ {
		registerMap[fmt.Sprintf("FIO%d", i)] = Register{uint16(2000 + i), U16}
	}

	// Stream scan-list slots. The engine needs far fewer than the hardware
	// maximum of 128, but the addresses are cheap to table.
	for i := 0; i < 16; i++ {
		registerMap[fmt.Sprintf("STREAM_SCANLIST_ADDRESS%d", i)] = Register{uint16(4100 + 2*i), U32}
	}

	// Stream-out blocks. The scan-list alias STREAM_OUTn is a distinct
	// register from the control block that configures it.
	for i := 0; i < NumStreamOuts; i++ {
		registerMap[fmt.Sprintf("STREAM_OUT%d", i)] = Register{uint16(4800 + i), U16}
		registerMap[fmt.Sprintf("STREAM_OUT%d_TARGET", i)] = Register{uint16(4040 + 2*i), U32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_BUFFER_ALLOCATE_NUM_BYTES", i)] = Register{uint16(4050 + 2*i), U32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_LOOP_SIZE", i)] = Register{uint16(4060 + 2*i), U32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_SET_LOOP", i)] = Register{uint16(4070 + 2*i), U32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_BUFFER_STATUS", i)] = Register{uint16(4080 + 2*i), U32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_ENABLE", i)] = Register{uint16(4090 + 2*i), U32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_BUFFER_F32", i)] = Register{uint16(4400 + 2*i), F32}
		registerMap[fmt.Sprintf("STREAM_OUT%d_BUFFER_U16", i)] = Register{uint16(4420 + i), U16}
	}
}

// LookupRegister resolves a register name to its address and encoding.
func LookupRegister(name string) (Register, error) {
	reg, ok := registerMap[name]
	if !ok {
		return Register{}, fmt.Errorf("register %q is not in the T-series map", name)
	}
	return reg, nil
}

// AddressOf resolves a register name to its Modbus address.
func AddressOf(name string) (uint16, error) {
	reg, err := LookupRegister(name)
	if err != nil {
		return 0, err
	}
	return reg.Address, nil
}

// streamOutAddressFirst and ...Last bound the scan-list aliases for stream-out
// channels. Addresses in this range drive outputs during a scan and return no
// data, so they are excluded when computing the per-scan record width.
const (
	streamOutAddressFirst = 4800
	streamOutAddressLast  = 4800 + NumStreamOuts - 1
)

// IsStreamOutAddress reports whether a scan-list address names a stream-out
// playback channel rather than a sampled input.
func IsStreamOutAddress(addr uint16) bool {
	return addr >= streamOutAddressFirst && addr <= streamOutAddressLast
}
