package tseries

import (
	"testing"
)

func TestLookupRegister(t *testing.T) {
	var lookupTests = []struct {
		name    string
		address uint16
		regType RegType
	}{
		{"AIN0", 0, F32},
		{"AIN13", 26, F32},
		{"AIN3_RANGE", 40006, F32},
		{"AIN5_NEGATIVE_CH", 41005, U16},
		{"DAC0", 1000, F32},
		{"DAC1", 1002, F32},
		{"FIO_STATE", 2500, U16},
		{"FIO_DIRECTION", 2600, U16},
		{"FIO4", 2004, U16},
		{"DIO_INHIBIT", 2900, U32},
		{"STREAM_SCANRATE_HZ", 4002, F32},
		{"STREAM_ENABLE", 4990, U32},
		{"STREAM_SCANLIST_ADDRESS0", 4100, U32},
		{"STREAM_SCANLIST_ADDRESS5", 4110, U32},
		{"STREAM_OUT0", 4800, U16},
		{"STREAM_OUT1", 4801, U16},
		{"STREAM_OUT0_TARGET", 4040, U32},
		{"STREAM_OUT1_LOOP_SIZE", 4062, U32},
		{"STREAM_OUT0_BUFFER_F32", 4400, F32},
		{"STREAM_OUT1_BUFFER_U16", 4421, U16},
		{"STREAM_OUT3_BUFFER_STATUS", 4086, U32},
		{"PRODUCT_ID", 60000, F32},
		{"SERIAL_NUMBER", 60028, U32},
	}
	for _, test := range lookupTests {
		reg, err := LookupRegister(test.name)
		if err != nil {
			t.Errorf("LookupRegister(%q) returned error: %v", test.name, err)
			continue
		}
		if reg.Address != test.address {
			t.Errorf("LookupRegister(%q).Address = %d, want %d", test.name, reg.Address, test.address)
		}
		if reg.Type != test.regType {
			t.Errorf("LookupRegister(%q).Type = %v, want %v", test.name, reg.Type, test.regType)
		}
	}
}

func TestLookupUnknownRegister(t *testing.T) {
	for _, name := range []string{"AIN99", "NOT_A_REGISTER", "STREAM_OUT9_ENABLE", ""} {
		if _, err := LookupRegister(name); err == nil {
			t.Errorf("LookupRegister(%q) should error on unknown register", name)
		}
		if _, err := AddressOf(name); err == nil {
			t.Errorf("AddressOf(%q) should error on unknown register", name)
		}
	}
}

func TestRegTypeWords(t *testing.T) {
	if w := U16.Words(); w != 1 {
		t.Errorf("U16.Words() = %d, want 1", w)
	}
	if w := U32.Words(); w != 2 {
		t.Errorf("U32.Words() = %d, want 2", w)
	}
	if w := F32.Words(); w != 2 {
		t.Errorf("F32.Words() = %d, want 2", w)
	}
}

func TestIsStreamOutAddress(t *testing.T) {
	for addr := uint16(4800); addr <= 4803; addr++ {
		if !IsStreamOutAddress(addr) {
			t.Errorf("IsStreamOutAddress(%d) = false, want true", addr)
		}
	}
	for _, addr := range []uint16{0, 2, 1000, 4799, 4804, 4990} {
		if IsStreamOutAddress(addr) {
			t.Errorf("IsStreamOutAddress(%d) = true, want false", addr)
		}
	}
}
