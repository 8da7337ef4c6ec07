package lockstep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/usnistgov/lockstep/internal/tseries"
)

func TestExperimentRun(t *testing.T) {
	nd := tseries.NewNoDevice()
	dir := t.TempDir()
	records := new(RecordingState)
	if err := records.Arm(dir); err != nil {
		t.Fatal(err)
	}

	cameraStarted := make(chan struct{})
	e := &Experiment{
		Session: NewStreamSession(nd),
		Records: records,
		Camera: func(ctx context.Context) error {
			close(cameraStarted)
			<-ctx.Done()
			return nil
		},
		SettleDelay: 10 * time.Millisecond,
		Padding:     50 * time.Millisecond,
	}

	cfg := testSessionConfig()
	cfg.PulseCount = 2
	cfg.PulseRateHz = 100 // a 20 ms train keeps the test fast
	cfg.PulseWidthS = 0.002

	start := time.Now()
	stats, err := e.Run(cfg)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	select {
	case <-cameraStarted:
	default:
		t.Error("the camera was never started")
	}
	if stats.ScansRead == 0 {
		t.Error("the run read no scans")
	}
	if len(stats.RunID) != 26 {
		t.Errorf("run ID %q should be a 26-character ULID", stats.RunID)
	}
	// Settle, pulse, 20 ms of train, 50 ms of padding.
	if elapsed < 70*time.Millisecond {
		t.Errorf("run finished in %v, too fast to have drained the train", elapsed)
	}
	if e.Session.State() != Idle {
		t.Errorf("session state = %s after the run, want Idle", e.Session.State())
	}
	if v, _ := nd.WrittenValue("DAC0"); v != 2.5 {
		t.Errorf("DAC0 parked at %v, want the idle level 2.5", v)
	}

	// The start pulse must precede the scan loop, so the camera's clock
	// starts before any data is timestamped.
	pulseHigh, streamOn := -1, -1
	for i, w := range nd.Writes() {
		if w.Name == "FIO_STATE" && w.Value == 0xFE01 && pulseHigh == -1 {
			pulseHigh = i
		}
		if w.Name == "STREAM_ENABLE" && w.Value == 1 {
			streamOn = i
		}
	}
	if pulseHigh == -1 || streamOn == -1 || pulseHigh > streamOn {
		t.Errorf("start pulse at write %d, stream start at %d; the pulse must come first", pulseHigh, streamOn)
	}

	raw, err := os.ReadFile(filepath.Join(dir, stats.RunID+"_records.csv"))
	if err != nil {
		t.Fatalf("record file missing: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) < 2 {
		t.Errorf("record CSV has %d lines, want a header plus data", len(lines))
	}
}

func TestExperimentAbortsOnBacklog(t *testing.T) {
	nd := tseries.NewNoDevice()
	backlogs := make([]int, 500)
	for i := range backlogs {
		backlogs[i] = 500
	}
	nd.ScriptBacklog(backlogs)

	e := &Experiment{
		Session:     NewStreamSession(nd),
		SettleDelay: time.Millisecond,
		Padding:     10 * time.Second,
	}
	start := time.Now()
	stats, err := e.Run(testSessionConfig())
	elapsed := time.Since(start)

	var blErr *BacklogExceededError
	if !errors.As(err, &blErr) {
		t.Fatalf("run ended with %v, want BacklogExceededError", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("abort took %v; a hopeless backlog should end the run promptly", elapsed)
	}
	if stats.PeakBacklog != 500 {
		t.Errorf("PeakBacklog = %d, want 500", stats.PeakBacklog)
	}
	if e.Session.State() != Idle {
		t.Errorf("session state = %s after abort, want Idle", e.Session.State())
	}
}

func TestExperimentCameraError(t *testing.T) {
	e := &Experiment{
		Session: NewStreamSession(tseries.NewNoDevice()),
		Camera: func(ctx context.Context) error {
			return fmt.Errorf("lens cap on")
		},
		SettleDelay: time.Millisecond,
		Padding:     20 * time.Millisecond,
	}
	cfg := testSessionConfig()
	cfg.PulseCount = 0
	_, err := e.Run(cfg)
	if err == nil || !strings.Contains(err.Error(), "lens cap") {
		t.Errorf("run ended with %v, want the camera's complaint", err)
	}
}

func TestExperimentConfigureFailureSkipsCamera(t *testing.T) {
	cameraStarted := false
	e := &Experiment{
		Session: NewStreamSession(tseries.NewNoDevice()),
		Camera: func(ctx context.Context) error {
			cameraStarted = true
			return nil
		},
	}
	cfg := testSessionConfig()
	cfg.Inputs = nil
	_, err := e.Run(cfg)
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("run gave %v, want a ConfigurationError", err)
	}
	if cameraStarted {
		t.Error("the camera must not start when configuration fails")
	}
}
