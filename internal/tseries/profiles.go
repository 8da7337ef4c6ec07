package tseries

import (
	"fmt"
)

// Profile captures the model-specific facts about one T-series device family.
// It is resolved once, when a device is opened, from the PRODUCT_ID register,
// and answers questions the engine would otherwise have to branch on.
type Profile struct {
	Model       string  // "T4", "T7", or "T8"
	ProductID   int     // value read back from PRODUCT_ID
	CoreClockHz float64 // stream clock the scan divisor is derived from

	// Analog front-end setup, written verbatim during session configuration.
	// The T4 fixes its high-voltage channels at ±10 V and has no
	// negative-channel multiplexer, so its list is shorter.
	ConfigNames  []string
	ConfigValues []float64

	// Nominal conversion from 16-bit stream samples to volts, applied to
	// incoming stream data. Device calibration constants refine these on
	// real hardware; the nominal values hold to ~0.1%.
	StreamSlope  float64
	StreamOffset float64

	// Registers this family's firmware does not implement. Writes to them
	// come back as illegal-address exceptions.
	absent map[string]bool
}

// HasRegister reports whether this device family implements the named
// register. Unknown names are reported as absent.
func (p *Profile) HasRegister(name string) bool {
	if _, err := LookupRegister(name); err != nil {
		return false
	}
	return !p.absent[name]
}

// ScanRate quantizes a requested scan rate to what the hardware clock can
// actually produce: the core clock divided by an integral divisor.
func (p *Profile) ScanRate(requestedHz float64) float64 {
	if requestedHz <= 0 {
		return 0
	}
	divisor := int64(p.CoreClockHz/requestedHz + 0.5)
	if divisor < 1 {
		divisor = 1
	}
	return p.CoreClockHz / float64(divisor)
}

var profiles = map[int]*Profile{
	4: {
		Model:       "T4",
		ProductID:   4,
		CoreClockHz: 80e6,
		ConfigNames: []string{
			"AIN0_RANGE", "AIN1_RANGE", "AIN2_RANGE", "AIN3_RANGE",
			"STREAM_SETTLING_US", "STREAM_RESOLUTION_INDEX",
			"STREAM_CLOCK_SOURCE", "STREAM_TRIGGER_INDEX",
		},
		ConfigValues: []float64{10, 10, 10, 10, 0, 0, 0, 0},
		StreamSlope:  20.0 / 65536,
		StreamOffset: -10.0,
		absent: map[string]bool{
			"AIN_ALL_NEGATIVE_CH": true,
			"DIO_INHIBIT":         true,
		},
	},
	7: {
		Model:       "T7",
		ProductID:   7,
		CoreClockHz: 80e6,
		ConfigNames: []string{
			"AIN_ALL_RANGE", "AIN_ALL_NEGATIVE_CH",
			"STREAM_SETTLING_US", "STREAM_RESOLUTION_INDEX",
			"STREAM_CLOCK_SOURCE", "STREAM_TRIGGER_INDEX",
		},
		ConfigValues: []float64{10, 199, 0, 0, 0, 0},
		StreamSlope:  20.0 / 65536,
		StreamOffset: -10.0,
		absent:       map[string]bool{},
	},
	8: {
		Model:       "T8",
		ProductID:   8,
		CoreClockHz: 100e6,
		ConfigNames: []string{
			"AIN_ALL_RANGE", "AIN_ALL_NEGATIVE_CH",
			"STREAM_SETTLING_US", "STREAM_RESOLUTION_INDEX",
			"STREAM_CLOCK_SOURCE", "STREAM_TRIGGER_INDEX",
		},
		ConfigValues: []float64{10, 199, 0, 0, 0, 0},
		StreamSlope:  20.0 / 65536,
		StreamOffset: -10.0,
		absent:       map[string]bool{},
	},
}

// ProfileForProduct returns the capability profile matching a PRODUCT_ID
// reading, or an error for models this package does not drive.
func ProfileForProduct(productID float64) (*Profile, error) {
	id := int(productID + 0.5)
	p, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("product ID %.0f is not a supported T-series model", productID)
	}
	return p, nil
}
