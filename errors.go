package lockstep

import (
	"errors"
	"fmt"
	"log"

	"github.com/usnistgov/lockstep/internal/tseries"
)

// The error kinds every hardware-facing operation can produce. Callers
// discriminate with errors.As; the device layer's own error types never
// escape this package untranslated.

// ConfigurationError means caller-supplied parameters violate an
// invariant. It is never retried and always propagated immediately.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// HardwareIOError means a device or bus operation failed in a way that is
// not the caller's fault: timeouts, dropped transactions, rejected stream
// control writes. Buffer-load writes retry these within a bounded budget;
// everything else propagates them.
type HardwareIOError struct {
	Op  string
	Err error
}

func (e *HardwareIOError) Error() string {
	return fmt.Sprintf("hardware I/O error in %s: %v", e.Op, e.Err)
}

func (e *HardwareIOError) Unwrap() error { return e.Err }

// UnsupportedRegisterError means the connected model or firmware does not
// implement a register. Harmless for the known-optional registers below,
// fatal for any other.
type UnsupportedRegisterError struct {
	Register string
}

func (e *UnsupportedRegisterError) Error() string {
	return fmt.Sprintf("register %q is not supported by this device", e.Register)
}

// BacklogExceededError means unread scans are piling up on the device or
// the host faster than the read loop drains them. The chunk that crossed
// the limit is still delivered; the caller decides whether to abort.
type BacklogExceededError struct {
	DeviceBacklog int // scans queued on the device
	HostBacklog   int // scans queued host-side
	Limit         int // scans
}

func (e *BacklogExceededError) Error() string {
	return fmt.Sprintf("read backlog exceeds %d scans (device %d, host %d): data loss is imminent",
		e.Limit, e.DeviceBacklog, e.HostBacklog)
}

// deviceError translates an error from the register-access layer into the
// taxonomy above. Illegal-address complaints become
// UnsupportedRegisterError; anything else becomes a HardwareIOError
// naming the failed operation.
func deviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ill *tseries.IllegalAddressError
	if errors.As(err, &ill) {
		return &UnsupportedRegisterError{Register: ill.Name}
	}
	return &HardwareIOError{Op: op, Err: err}
}

// optionalRegisters may be absent on some models and firmware revisions.
// Writes to them treat UnsupportedRegisterError as a no-op.
var optionalRegisters = map[string]bool{
	"FIO_DIRECTION": true,
	"DIO_INHIBIT":   true,
}

// writeOptional writes one register, swallowing only the complaint that
// this known-optional register does not exist on the connected model.
func writeOptional(dev tseries.Device, name string, value float64) error {
	err := dev.WriteName(name, value)
	if err == nil {
		return nil
	}
	terr := deviceError("write "+name, err)
	var unsup *UnsupportedRegisterError
	if errors.As(terr, &unsup) && optionalRegisters[name] {
		log.Printf("device lacks optional register %s; skipping", name)
		return nil
	}
	return terr
}
