package lockstep

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/usnistgov/lockstep/internal/tseries"
)

// maxBufferBytes is the largest playback buffer the device can allocate
// for one stream-out channel.
const maxBufferBytes = 8192

// RetryPolicy bounds the retries applied to individual register writes
// while filling playback buffers. The same policy object serves every
// write call site.
type RetryPolicy struct {
	Attempts int           // total tries per write, including the first
	Pause    time.Duration // constant wait between tries
}

// DefaultRetryPolicy matches the device's observed transient-failure
// behavior: an occasional dropped write recovers on the next try.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Pause: 10 * time.Millisecond}

func (rp RetryPolicy) backOff() backoff.BackOff {
	retries := uint64(0)
	if rp.Attempts > 1 {
		retries = uint64(rp.Attempts - 1)
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(rp.Pause), retries)
}

// writeWithRetry writes one register under the policy. Transient I/O
// failures are retried until the budget runs out; a missing register is
// permanent and reported at once.
func writeWithRetry(dev tseries.Device, name string, value float64, rp RetryPolicy) error {
	op := func() error {
		err := dev.WriteName(name, value)
		if err == nil {
			return nil
		}
		terr := deviceError("write "+name, err)
		var unsup *UnsupportedRegisterError
		if errors.As(terr, &unsup) {
			return backoff.Permanent(terr)
		}
		return terr
	}
	return backoff.Retry(op, rp.backOff())
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// bufferBytes returns the allocation for a waveform of n 2-byte samples:
// the next power of two, floored at 512 bytes, capped by the hardware
// maximum.
func bufferBytes(n int) (int, error) {
	if n < 1 {
		return 0, configErrorf("cannot load an empty waveform")
	}
	b := nextPow2(2 * n)
	if b < 512 {
		b = 512
	}
	if b > maxBufferBytes {
		return 0, configErrorf("waveform of %d samples needs a %d-byte buffer, but the device tops out at %d",
			n, b, maxBufferBytes)
	}
	return b, nil
}

func streamOutRegister(outIndex int, suffix string) string {
	return fmt.Sprintf("STREAM_OUT%d_%s", outIndex, suffix)
}

// LoadStreamOut pushes a waveform into the playback buffer of stream-out
// channel outIndex, targeting the named output register. The channel is
// fully re-specified on every call: disabled, re-targeted, re-sized,
// re-filled, so no state survives from a prior waveform of a different
// length. The device accepts buffer samples only one at a time, and the
// bridge occasionally drops a write, so each sample goes in under the
// retry policy. When the waveform's Loop flag is set, loop replay is armed
// last, after the full period is resident.
func LoadStreamOut(dev tseries.Device, outIndex int, targetName string, w *Waveform, rp RetryPolicy) error {
	if outIndex < 0 || outIndex >= tseries.NumStreamOuts {
		return configErrorf("stream-out index %d is out of range 0-%d", outIndex, tseries.NumStreamOuts-1)
	}
	n := w.Len()
	nbytes, err := bufferBytes(n)
	if err != nil {
		return err
	}
	target, err := tseries.AddressOf(targetName)
	if err != nil {
		return configErrorf("stream-out %d target %q: %v", outIndex, targetName, err)
	}

	setup := []struct {
		name  string
		value float64
	}{
		{streamOutRegister(outIndex, "ENABLE"), 0},
		{streamOutRegister(outIndex, "TARGET"), float64(target)},
		{streamOutRegister(outIndex, "BUFFER_ALLOCATE_NUM_BYTES"), float64(nbytes)},
		{streamOutRegister(outIndex, "LOOP_SIZE"), float64(n)},
		{streamOutRegister(outIndex, "ENABLE"), 1},
	}
	for _, s := range setup {
		if err := dev.WriteName(s.name, s.value); err != nil {
			return deviceError("write "+s.name, err)
		}
	}

	bufferReg := streamOutRegister(outIndex, "BUFFER_F32")
	if len(w.Words) > 0 {
		bufferReg = streamOutRegister(outIndex, "BUFFER_U16")
	}
	for i := 0; i < n; i++ {
		var v float64
		if len(w.Words) > 0 {
			v = float64(w.Words[i])
		} else {
			v = w.Volts[i]
		}
		if err := writeWithRetry(dev, bufferReg, v, rp); err != nil {
			return err
		}
	}

	if w.Loop {
		name := streamOutRegister(outIndex, "SET_LOOP")
		if err := dev.WriteName(name, 1); err != nil {
			return deviceError("write "+name, err)
		}
	}
	if status, err := dev.ReadName(streamOutRegister(outIndex, "BUFFER_STATUS")); err == nil {
		log.Printf("stream-out %d loaded: %d samples in a %d-byte buffer, %g words free",
			outIndex, n, nbytes, status)
	}
	return nil
}

// DisableStreamOut turns off one stream-out channel.
func DisableStreamOut(dev tseries.Device, outIndex int) error {
	if outIndex < 0 || outIndex >= tseries.NumStreamOuts {
		return configErrorf("stream-out index %d is out of range 0-%d", outIndex, tseries.NumStreamOuts-1)
	}
	name := streamOutRegister(outIndex, "ENABLE")
	if err := dev.WriteName(name, 0); err != nil {
		return deviceError("write "+name, err)
	}
	return nil
}
