package lockstep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/usnistgov/lockstep/internal/rundb"
)

// An Experiment coordinates one synchronized run of the stream engine and
// an external recording device such as a camera. The camera cannot be
// started by an electrical signal, so it starts first and gets a settle
// pause; then the start pulse marks time zero on the shared trigger line
// and the scan loop begins. Coordination is by timing alone; nothing here
// inspects camera frames or feeds data back.
type Experiment struct {
	Session   *StreamSession
	Records   *RecordingState
	Publisher *DataPublisher
	RunDB     *rundb.RunDBConnection

	// Camera runs concurrently with the streaming and should record until
	// its context is canceled. Nil means no external device.
	Camera func(ctx context.Context) error

	SettleDelay time.Duration // camera start to start pulse; default 1 s
	Padding     time.Duration // streaming beyond the TTL train's end; default 2 s
}

// consecutiveBacklogLimit is how many backlog warnings in a row end a run.
const consecutiveBacklogLimit = 3

// Run executes one run end to end: configure, camera start, settle, start
// pulse, stream, drain until the TTL train plus padding has elapsed, then
// tear everything down. Teardown happens no matter how the run went, and
// the first error from the run itself outranks any teardown error.
func (e *Experiment) Run(cfg SessionConfig) (RunStats, error) {
	records := e.Records
	if records == nil {
		records = new(RecordingState)
	}
	settle := e.SettleDelay
	if settle <= 0 {
		settle = time.Second
	}
	padding := e.Padding
	if padding <= 0 {
		padding = 2 * time.Second
	}

	if err := e.Session.Configure(cfg); err != nil {
		return RunStats{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	camErr := make(chan error, 1)
	if e.Camera != nil {
		go func() { camErr <- e.Camera(ctx) }()
		time.Sleep(settle)
	}

	runErr := e.streamRun(cfg, records, padding)

	if err := e.Session.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	if err := records.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	cancel()
	if e.Camera != nil {
		select {
		case err := <-camErr:
			if err != nil && runErr == nil {
				runErr = fmt.Errorf("camera: %v", err)
			}
		case <-time.After(5 * time.Second):
			ProblemLogger.Printf("camera did not stop within 5 s of cancellation")
		}
	}
	return e.Session.Stats(), runErr
}

func (e *Experiment) streamRun(cfg SessionConfig, records *RecordingState, padding time.Duration) error {
	session := e.Session
	if err := FirePulse(session.Device(), cfg.TriggerLine, time.Millisecond); err != nil {
		return err
	}
	actual, err := session.Start()
	if err != nil {
		return err
	}
	if err := records.Start(session.RunID(), cfg.Inputs); err != nil {
		return err
	}
	info := session.Device().Info()
	msg := &rundb.RunMessage{
		ID:              session.RunID(),
		DeviceAddress:   info.Address,
		DeviceModel:     info.Model,
		SerialNumber:    info.SerialNumber,
		RequestedRateHz: cfg.ScanRateHz,
		ActualRateHz:    actual,
		Nchannels:       len(cfg.Inputs),
		ScansPerRead:    cfg.ScansPerRead,
		Outcome:         "running",
		Start:           time.Now(),
	}
	e.RunDB.RecordRun(msg)

	duration := session.PulseTrainDuration() + padding
	deadline := time.Now().Add(duration)
	log.Printf("run %s: draining for %v (%d TTL pulses plus %v padding)\n",
		session.RunID(), duration, cfg.PulseCount, padding)

	outcome := "completed"
	var drainErr error
	consecutive := 0
	for time.Now().Before(deadline) {
		rctx, rcancel := context.WithTimeout(context.Background(), session.ReadTimeout())
		chunk, err := session.ReadChunk(rctx)
		rcancel()
		if err != nil {
			var blErr *BacklogExceededError
			if errors.As(err, &blErr) {
				consecutive++
				ProblemLogger.Printf("run %s: %v (%d in a row)", session.RunID(), blErr, consecutive)
				if consecutive >= consecutiveBacklogLimit {
					outcome, drainErr = "aborted", blErr
				}
			} else {
				outcome, drainErr = "error", err
			}
		} else {
			consecutive = 0
		}
		if chunk != nil {
			if werr := records.WriteChunk(chunk); werr != nil && drainErr == nil {
				outcome, drainErr = "error", werr
			}
			if perr := e.Publisher.PublishChunk(chunk); perr != nil {
				ProblemLogger.Printf("chunk publish failed: %v", perr)
			}
		}
		if drainErr != nil {
			break
		}
	}

	stats := session.Stats()
	msg.ScansRead = stats.ScansRead
	msg.TruncatedSamples = stats.TruncatedSamples
	msg.PeakBacklog = stats.PeakBacklog
	msg.Outcome = outcome
	e.RunDB.FinishRun(msg)
	return drainErr
}
