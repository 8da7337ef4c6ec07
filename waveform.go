package lockstep

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Imperfect round to nearest integer
func roundint(x float64) int {
	return int(x + math.Copysign(0.5, x))
}

// A Waveform is one full period of a periodic signal, ready for a device
// playback buffer: either analog voltages or packed digital port words,
// never both. Once loaded, the device owns it until the output channel is
// disabled or the session stops.
type Waveform struct {
	Volts []float64 // analog samples, in volts
	Words []uint16  // digital port words
	Loop  bool      // replay autonomously once the stream starts
}

// Len returns the number of samples in one period.
func (w *Waveform) Len() int {
	if w == nil {
		return 0
	}
	if len(w.Volts) > 0 {
		return len(w.Volts)
	}
	return len(w.Words)
}

// SineWaveform computes one period of offset + amplitude*sin(2*pi*f*t)
// sampled at scanRateHz. Periods of fewer than 2 samples cannot represent
// the signal and are rejected.
func SineWaveform(freqHz, amplitude, offset, scanRateHz float64) (*Waveform, error) {
	if freqHz <= 0 || scanRateHz <= 0 {
		return nil, configErrorf("sine wave needs positive frequency and scan rate, have %g Hz at %g scans/s",
			freqHz, scanRateHz)
	}
	if scanRateHz < 2*freqHz {
		return nil, configErrorf("sine frequency %g Hz is too high for scan rate %g Hz", freqHz, scanRateHz)
	}
	n := roundint(scanRateHz / freqHz)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * float64(i) / float64(n))
	}
	floats.Scale(amplitude, samples)
	floats.AddConst(offset, samples)
	return &Waveform{Volts: samples, Loop: true}, nil
}

// portWord encodes "set the given digital line to level, touch no other
// line". The upper byte is an inhibit mask: a 1 bit excludes that line
// from the write, so every line except ours is inhibited. The lower byte
// carries the level. This is what lets a playback buffer toggle one line
// on a port register it shares with lines it does not own.
func portWord(line int, level bool) uint16 {
	inhibit := uint16(^(1 << uint(line))) & 0xff
	word := inhibit << 8
	if level {
		word |= 1 << uint(line)
	}
	return word
}

// PulseTrainWaveform computes one period of a TTL pulse train on the given
// digital line: high for round(widthS*scanRateHz) samples (at least 1,
// clamped to the period), then low for the rest. It also returns the
// nominal duration of the whole count-pulse train, which is how long a run
// must keep draining before stopping. count <= 0 disables the train and
// yields a nil waveform with zero duration; a positive count with a
// nonpositive rate asks for an unbounded period that no buffer can hold,
// so it is rejected before anything is allocated.
func PulseTrainWaveform(line, count int, rateHz, widthS, scanRateHz float64) (*Waveform, time.Duration, error) {
	if count <= 0 {
		return nil, 0, nil
	}
	if line < 0 || line > 7 {
		return nil, 0, configErrorf("digital line FIO%d is out of range 0-7", line)
	}
	if rateHz <= 0 {
		return nil, 0, configErrorf("pulse train of %d pulses needs a positive pulse rate, have %g Hz", count, rateHz)
	}
	if scanRateHz <= 0 {
		return nil, 0, configErrorf("pulse train needs a positive scan rate, have %g", scanRateHz)
	}
	n := roundint(scanRateHz / rateHz)
	if n < 1 {
		n = 1
	}
	high := roundint(widthS * scanRateHz)
	if high < 1 {
		high = 1
	}
	if high > n {
		high = n
	}
	words := make([]uint16, n)
	for i := range words {
		words[i] = portWord(line, i < high)
	}
	duration := time.Duration(float64(count) / rateHz * float64(time.Second))
	return &Waveform{Words: words, Loop: true}, duration, nil
}
