package lockstep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/lockstep/internal/tseries"
)

// SessionState indicates where a StreamSession is in its lifecycle.
type SessionState int

// Names for the possible values of SessionState
const (
	Idle    SessionState = iota // no scan loop; outputs not guaranteed loaded
	Armed                       // outputs loaded and scan list built, loop not running
	Running                     // hardware scan loop is free-running
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Stream-out channel assignments. The sine drive always runs on the first
// stream-out channel; the TTL pulse train, when armed, runs on the second.
const (
	sineStreamOut = 0
	ttlStreamOut  = 1
)

// SessionConfig collects every parameter of one streaming session. It is
// applied by Configure and frozen for the life of the run.
type SessionConfig struct {
	ScanRateHz   float64 // requested; the device readback is authoritative
	ScansPerRead int
	Inputs       []string // analog input channels, in record order

	SineFreqHz    float64
	SineAmplitude float64 // volts
	SineOffset    float64 // volts
	SineIdleVolts float64 // DAC level to park at whenever the stream stops

	PulseCount  int // TTL pulses per run; 0 or less disables the train
	PulseRateHz float64
	PulseWidthS float64
	TriggerLine int // FIO line shared by the start pulse and the TTL train

	BacklogLimit int // scans; 0 means 5x ScansPerRead
}

func (cfg *SessionConfig) validate() error {
	if cfg.ScanRateHz <= 0 {
		return configErrorf("scan rate must be positive, have %g Hz", cfg.ScanRateHz)
	}
	if cfg.ScansPerRead < 1 {
		return configErrorf("scans per read must be positive, have %d", cfg.ScansPerRead)
	}
	if len(cfg.Inputs) == 0 {
		return configErrorf("session needs at least one input channel")
	}
	return nil
}

func (cfg *SessionConfig) backlogLimit() int {
	if cfg.BacklogLimit > 0 {
		return cfg.BacklogLimit
	}
	return 5 * cfg.ScansPerRead
}

// A ScanChunk is one drained batch of scan data, trimmed to whole scans.
type ScanChunk struct {
	Samples       []float64 // flat, [in0 scan0, in1 scan0, ..., in0 scan1, ...]
	Width         int       // values per scan
	FirstScan     int64     // index of the first scan in Samples
	ActualRate    float64   // scans/s, device-reported
	DeviceBacklog int       // scans still queued on the device
	HostBacklog   int       // scans queued host-side
	ScansSkipped  int       // scans lost to device auto-recovery, if any
}

// Scans returns how many whole scans the chunk carries.
func (c *ScanChunk) Scans() int {
	if c.Width == 0 {
		return 0
	}
	return len(c.Samples) / c.Width
}

// RunStats summarizes the current or most recent run.
type RunStats struct {
	RunID            string
	ScansRead        int
	TruncatedSamples int
	PeakBacklog      int
	ActualRateHz     float64
}

// A StreamSession owns the lifecycle of the hardware scan loop on one
// device: Idle to Armed (Configure), Armed to Running (Start), back to
// Idle (Stop). Methods are safe for concurrent use; all hardware traffic
// still funnels through the one device handle underneath.
type StreamSession struct {
	dev   tseries.Device
	retry RetryPolicy

	stateLock sync.Mutex // guards all fields below
	state     SessionState
	config    SessionConfig
	scanList  *ScanList
	ttlArmed  bool
	trainLen  time.Duration

	runID            string
	actualRate       float64
	scansRead        int
	truncatedSamples int
	peakBacklog      int
}

// NewStreamSession wraps an open device handle.
func NewStreamSession(dev tseries.Device) *StreamSession {
	return &StreamSession{dev: dev, retry: DefaultRetryPolicy}
}

// Device exposes the underlying handle for pulse control and identity
// queries. The session remains the device's only owner for stream and
// stream-out traffic.
func (s *StreamSession) Device() tseries.Device { return s.dev }

// Configure computes and loads the session's waveforms, sets up the
// analog front end and the trigger line, and builds the scan list,
// moving Idle to Armed. Re-configuring an Armed session fully replaces
// the previous setup. A Running session must be stopped first.
func (s *StreamSession) Configure(cfg SessionConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	sine, err := SineWaveform(cfg.SineFreqHz, cfg.SineAmplitude, cfg.SineOffset, cfg.ScanRateHz)
	if err != nil {
		return err
	}
	train, trainLen, err := PulseTrainWaveform(cfg.TriggerLine, cfg.PulseCount,
		cfg.PulseRateHz, cfg.PulseWidthS, cfg.ScanRateHz)
	if err != nil {
		return err
	}
	enabledOuts := []string{"STREAM_OUT0"}
	if train != nil {
		enabledOuts = append(enabledOuts, "STREAM_OUT1")
	}
	scanList, err := BuildScanList(cfg.Inputs, enabledOuts)
	if err != nil {
		return err
	}

	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state == Running {
		return fmt.Errorf("session is Running; stop it before reconfiguring")
	}

	profile := s.dev.Profile()
	if err := s.dev.WriteNames(profile.ConfigNames, profile.ConfigValues); err != nil {
		return deviceError("analog front-end setup", err)
	}
	if err := ConfigureDirection(s.dev, cfg.TriggerLine); err != nil {
		return err
	}
	if err := SetLineState(s.dev, cfg.TriggerLine, false); err != nil {
		return err
	}
	if err := LoadStreamOut(s.dev, sineStreamOut, "DAC0", sine, s.retry); err != nil {
		return err
	}
	if train != nil {
		if err := LoadStreamOut(s.dev, ttlStreamOut, "FIO_STATE", train, s.retry); err != nil {
			return err
		}
	} else if err := DisableStreamOut(s.dev, ttlStreamOut); err != nil {
		// A previous configuration may have left the train armed.
		return err
	}

	s.config = cfg
	s.scanList = scanList
	s.ttlArmed = train != nil
	s.trainLen = trainLen
	s.state = Armed
	log.Printf("session armed: %d inputs, %d outputs, sine %g Hz on DAC0, %d TTL pulses",
		scanList.NumInputs, len(scanList.Addresses)-scanList.NumInputs, cfg.SineFreqHz, cfg.PulseCount)
	return nil
}

// Start submits the scan list and requested rate, moving Armed to
// Running. The returned rate is the device's own readback; the clock
// divisor quantizes the request, so downstream timestamp math must use
// this value, never the requested one. Each run gets a fresh ULID.
func (s *StreamSession) Start() (float64, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state != Armed {
		return 0, fmt.Errorf("session is %s; Start needs an Armed session", s.state)
	}
	actual, err := s.dev.StartStream(s.scanList.Addresses, s.config.ScansPerRead, s.config.ScanRateHz)
	if err != nil {
		return 0, deviceError("start stream", err)
	}
	s.actualRate = actual
	s.runID = ulid.Make().String()
	s.scansRead = 0
	s.truncatedSamples = 0
	s.peakBacklog = 0
	s.state = Running
	log.Printf("run %s streaming: %d scan-list entries, requested %g scans/s, actual %.6g",
		s.runID, len(s.scanList.Addresses), s.config.ScanRateHz, actual)
	return actual, nil
}

// ReadChunk blocks until the device delivers its next batch of scans or
// ctx ends; a deadline here is reported as-is, never retried. The batch
// is trimmed to whole scans and to at most ScansPerRead scans; the trim
// is counted in the run stats rather than dropped silently. When the
// device or host backlog crosses the session's limit, the chunk comes
// back together with a BacklogExceededError: the data is valid, and the
// error is the caller's signal to consider aborting.
func (s *StreamSession) ReadChunk(ctx context.Context) (*ScanChunk, error) {
	s.stateLock.Lock()
	if s.state != Running {
		s.stateLock.Unlock()
		return nil, fmt.Errorf("session is %s; ReadChunk needs a Running session", s.state)
	}
	width := s.scanList.NumInputs
	maxSamples := s.config.ScansPerRead * width
	limit := s.config.backlogLimit()
	rate := s.actualRate
	s.stateLock.Unlock()

	sd, err := s.dev.ReadStream(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, deviceError("read stream", err)
	}

	kept := len(sd.Samples) - len(sd.Samples)%width
	if kept > maxSamples {
		kept = maxSamples
	}
	trimmed := len(sd.Samples) - kept

	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state != Running {
		return nil, fmt.Errorf("session stopped during read")
	}
	chunk := &ScanChunk{
		Samples:       sd.Samples[:kept],
		Width:         width,
		FirstScan:     int64(s.scansRead),
		ActualRate:    rate,
		DeviceBacklog: sd.DeviceBacklog,
		HostBacklog:   sd.HostBacklog,
		ScansSkipped:  sd.ScansSkipped,
	}
	s.scansRead += kept / width
	s.truncatedSamples += trimmed
	if sd.DeviceBacklog > s.peakBacklog {
		s.peakBacklog = sd.DeviceBacklog
	}
	if sd.HostBacklog > s.peakBacklog {
		s.peakBacklog = sd.HostBacklog
	}
	if sd.DeviceBacklog > limit || sd.HostBacklog > limit {
		return chunk, &BacklogExceededError{
			DeviceBacklog: sd.DeviceBacklog,
			HostBacklog:   sd.HostBacklog,
			Limit:         limit,
		}
	}
	return chunk, nil
}

// Stop tears the session down to Idle. The TTL playback goes first, so
// the shared trigger line rests low before anything else changes; then
// the scan loop halts; then the sine output is disabled and its DAC
// parked at the configured idle level. Every step runs even when an
// earlier one fails, and the first hard failure is reported at the end.
// Stopping a session that was never configured, or stopping twice, is a
// no-op: the device's own "nothing was running" complaint is swallowed
// here and only here.
func (s *StreamSession) Stop() error {
	s.stateLock.Lock()
	if s.scanList == nil {
		s.stateLock.Unlock()
		return nil
	}
	cfg := s.config
	ttlArmed := s.ttlArmed
	s.state = Idle
	s.stateLock.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if ttlArmed {
		record(DisableStreamOut(s.dev, ttlStreamOut))
		record(SetLineState(s.dev, cfg.TriggerLine, false))
	}
	if err := s.dev.StopStream(); err != nil {
		var nr *tseries.NotRunningError
		if !errors.As(err, &nr) {
			record(deviceError("stop stream", err))
		}
	}
	record(DisableStreamOut(s.dev, sineStreamOut))
	if err := s.dev.WriteName("DAC0", cfg.SineIdleVolts); err != nil {
		record(deviceError("park DAC0", err))
	}
	return firstErr
}

// State returns the lifecycle state, with proper locking.
func (s *StreamSession) State() SessionState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// Config returns a copy of the most recently applied configuration.
func (s *StreamSession) Config() SessionConfig {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.config
}

// RunID returns the ULID minted by the most recent Start.
func (s *StreamSession) RunID() string {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.runID
}

// ActualRate returns the device-reported scan rate of the current run,
// or zero before the first Start.
func (s *StreamSession) ActualRate() float64 {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.actualRate
}

// PulseTrainDuration returns the nominal length of the armed TTL train,
// or zero when no train is armed. Runs drain for this long plus padding.
func (s *StreamSession) PulseTrainDuration() time.Duration {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.trainLen
}

// Stats returns a snapshot of the current run's counters.
func (s *StreamSession) Stats() RunStats {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return RunStats{
		RunID:            s.runID,
		ScansRead:        s.scansRead,
		TruncatedSamples: s.truncatedSamples,
		PeakBacklog:      s.peakBacklog,
		ActualRateHz:     s.actualRate,
	}
}

// ReadTimeout is how long one ReadChunk may reasonably block before the
// scan loop must be presumed stalled: two read batches at the actual
// rate, floored at one second.
func (s *StreamSession) ReadTimeout() time.Duration {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	rate := s.actualRate
	if rate <= 0 {
		rate = s.config.ScanRateHz
	}
	if rate <= 0 || s.config.ScansPerRead <= 0 {
		return time.Second
	}
	t := time.Duration(2 * float64(s.config.ScansPerRead) / rate * float64(time.Second))
	if t < time.Second {
		t = time.Second
	}
	return t
}
