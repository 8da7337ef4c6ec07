package lockstep

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func TestSineWaveform(t *testing.T) {
	w, err := SineWaveform(10, 1.5, 2.5, 4000)
	require.NoError(t, err)
	require.Equal(t, 400, w.Len())
	assert.True(t, w.Loop)
	assert.Empty(t, w.Words)
	assert.InDelta(t, 2.5, w.Volts[0], 1e-12, "sine should start at the offset")
	assert.InDelta(t, 2.5, stat.Mean(w.Volts, nil), 1e-9, "one full period should average to the offset")
	assert.InDelta(t, 4.0, floats.Max(w.Volts), 1e-9)
	assert.InDelta(t, 1.0, floats.Min(w.Volts), 1e-9)

	// Period lengths round to the nearest sample count.
	w, err = SineWaveform(3, 1, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 333, w.Len())

	// Two samples per period is the floor...
	w, err = SineWaveform(2000, 1, 0, 4000)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Len())

	// ...and anything beyond it cannot be represented.
	var cerr *ConfigurationError
	_, err = SineWaveform(2500, 1, 0, 4000)
	require.Error(t, err)
	assert.True(t, errors.As(err, &cerr))

	for _, bad := range [][2]float64{{0, 4000}, {-5, 4000}, {10, 0}, {10, -1}} {
		_, err = SineWaveform(bad[0], 1, 0, bad[1])
		assert.Error(t, err, "freq=%g rate=%g should be rejected", bad[0], bad[1])
	}
}

func TestPortWord(t *testing.T) {
	cases := []struct {
		line  int
		level bool
		want  uint16
	}{
		{0, false, 0xFE00},
		{0, true, 0xFE01},
		{3, true, 0xF708},
		{7, false, 0x7F00},
		{7, true, 0x7F80},
	}
	for _, c := range cases {
		if got := portWord(c.line, c.level); got != c.want {
			t.Errorf("portWord(%d, %t) = %#04x, want %#04x", c.line, c.level, got, c.want)
		}
	}
}

func TestPulseTrainWaveform(t *testing.T) {
	// 40 pulses at 4 Hz, 10 ms wide, sampled at 4000 scans/s.
	w, duration, err := PulseTrainWaveform(0, 40, 4, 0.010, 4000)
	require.NoError(t, err)
	require.Equal(t, 1000, w.Len())
	assert.True(t, w.Loop)
	assert.Empty(t, w.Volts)
	assert.Equal(t, 10*time.Second, duration)
	assert.Equal(t, uint16(0xFE01), w.Words[0])
	assert.Equal(t, uint16(0xFE01), w.Words[39])
	assert.Equal(t, uint16(0xFE00), w.Words[40])
	assert.Equal(t, uint16(0xFE00), w.Words[999])

	// A camera-style train: 300 frames at 30 Hz, 1 ms exposure trigger.
	// The period does not divide the scan rate evenly and rounds to 133.
	w, duration, err = PulseTrainWaveform(0, 300, 30, 0.001, 4000)
	require.NoError(t, err)
	require.Equal(t, 133, w.Len())
	assert.Equal(t, 10*time.Second, duration)
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint16(0xFE01), w.Words[i], "sample %d should drive the line high", i)
	}
	for i := 4; i < 133; i++ {
		require.Equal(t, uint16(0xFE00), w.Words[i], "sample %d should drive the line low", i)
	}

	// The pattern follows the line number.
	w, _, err = PulseTrainWaveform(3, 1, 100, 0.001, 4000)
	require.NoError(t, err)
	assert.Equal(t, 40, w.Len())
	assert.Equal(t, uint16(0xF708), w.Words[0])
	assert.Equal(t, uint16(0xF700), w.Words[39])

	// A vanishing width still yields one high sample.
	w, duration, err = PulseTrainWaveform(0, 1, 100, 0, 4000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFE01), w.Words[0])
	assert.Equal(t, uint16(0xFE00), w.Words[1])
	assert.Equal(t, 10*time.Millisecond, duration)

	// A width beyond the period clamps to all-high.
	w, _, err = PulseTrainWaveform(0, 1, 100, 1.0, 4000)
	require.NoError(t, err)
	for i, word := range w.Words {
		require.Equal(t, uint16(0xFE01), word, "sample %d", i)
	}
}

func TestPulseTrainDisabledAndRejected(t *testing.T) {
	for _, count := range []int{0, -3} {
		w, duration, err := PulseTrainWaveform(0, count, 4, 0.010, 4000)
		require.NoError(t, err)
		assert.Nil(t, w)
		assert.Equal(t, time.Duration(0), duration)
	}

	var cerr *ConfigurationError
	_, _, err := PulseTrainWaveform(8, 10, 4, 0.010, 4000)
	require.Error(t, err)
	assert.True(t, errors.As(err, &cerr))
	_, _, err = PulseTrainWaveform(-1, 10, 4, 0.010, 4000)
	assert.Error(t, err)
	_, _, err = PulseTrainWaveform(0, 10, 4, 0.010, 0)
	assert.Error(t, err)

	// A positive count with a stalled rate must be rejected, not clamped:
	// the implied period would dwarf any playback buffer, and the implied
	// duration would overflow to nonsense.
	w, duration, err := PulseTrainWaveform(0, 10, 0, 0.001, 4000)
	require.Error(t, err)
	assert.True(t, errors.As(err, &cerr))
	assert.Nil(t, w)
	assert.Equal(t, time.Duration(0), duration)
	_, _, err = PulseTrainWaveform(0, 10, -4, 0.001, 4000)
	require.Error(t, err)
	assert.True(t, errors.As(err, &cerr))

	// Slow but positive rates stay well-defined.
	w, duration, err = PulseTrainWaveform(0, 3, 0.5, 0.001, 4000)
	require.NoError(t, err)
	assert.Equal(t, 8000, w.Len())
	assert.Equal(t, 6*time.Second, duration)
	assert.Greater(t, duration, time.Duration(0))
}
