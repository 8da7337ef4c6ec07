package lockstep

import (
	"fmt"
	"time"

	"github.com/usnistgov/lockstep/internal/tseries"
)

// Digital line control on the shared FIO port. All writes use the same
// inhibit-mask port words as the TTL playback pattern, so neither
// mechanism can clobber lines it does not own.

// SetLineState drives one FIO line high or low without disturbing the
// other lines on the port.
func SetLineState(dev tseries.Device, line int, level bool) error {
	if line < 0 || line > 7 {
		return configErrorf("digital line FIO%d is out of range 0-7", line)
	}
	if err := dev.WriteName("FIO_STATE", float64(portWord(line, level))); err != nil {
		return deviceError(fmt.Sprintf("set FIO%d", line), err)
	}
	return nil
}

// ConfigureDirection marks one FIO line as a digital output. Some models
// and firmware revisions have no direction register; for them this is a
// no-op, not a failure.
func ConfigureDirection(dev tseries.Device, line int) error {
	if line < 0 || line > 7 {
		return configErrorf("digital line FIO%d is out of range 0-7", line)
	}
	return writeOptional(dev, "FIO_DIRECTION", float64(portWord(line, true)))
}

// FirePulse raises the line, holds it for at least 1 ms, and lowers it.
// The hold blocks the caller: the camera's first exposure starts on this
// edge, and the experiment time base is measured from it.
func FirePulse(dev tseries.Device, line int, width time.Duration) error {
	if width < time.Millisecond {
		width = time.Millisecond
	}
	if err := SetLineState(dev, line, true); err != nil {
		return err
	}
	time.Sleep(width)
	return SetLineState(dev, line, false)
}
