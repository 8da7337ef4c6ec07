package lockstep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"
	"github.com/usnistgov/lockstep/internal/rundb"
	"github.com/usnistgov/lockstep/internal/tseries"
)

// SessionControl is the sub-server that handles configuration and operation
// of the Lockstep stream session.
type SessionControl struct {
	session   *StreamSession
	records   *RecordingState
	publisher *DataPublisher
	runDB     *rundb.RunDBConnection

	lock          sync.Mutex // guards runmsg
	runmsg        *rundb.RunMessage
	clientUpdates chan<- ClientUpdate
}

// NewSessionControl wraps an open device in the RPC control object. A nil
// runDB means runs go unrecorded.
func NewSessionControl(dev tseries.Device, runDB *rundb.RunDBConnection, clientUpdates chan<- ClientUpdate) *SessionControl {
	if runDB == nil {
		runDB = rundb.DummyDBConnection()
	}
	return &SessionControl{
		session:       NewStreamSession(dev),
		records:       new(RecordingState),
		runDB:         runDB,
		clientUpdates: clientUpdates,
	}
}

// ServerStatus is the status that SessionControl reports to clients.
type ServerStatus struct {
	State            string
	DeviceModel      string
	RunID            string
	Nchannels        int
	ScansPerRead     int
	RequestedRateHz  float64
	ActualRateHz     float64
	ScansRead        int
	TruncatedSamples int
	PeakBacklog      int
	Recording        bool
}

// FactorArgs holds the arguments to a Multiply operation
type FactorArgs struct {
	A, B int
}

// Multiply is a silly RPC service that multiplies its two arguments.
func (s *SessionControl) Multiply(args *FactorArgs, reply *int) error {
	*reply = args.A * args.B
	return nil
}

// saveState stores one configuration object under its viper key.
func saveState(key string, value interface{}) {
	viper.Set(key, value)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save %s state: %v", key, err)
	}
}

// Configure arms the stream session: waveforms computed and loaded, scan
// list built, analog front end set up. The applied configuration is saved
// so a restart comes back armed the same way.
func (s *SessionControl) Configure(args *SessionConfig, reply *bool) error {
	log.Printf("Configure: %d inputs, scan rate=%.3f, sine %.3f Hz, %d TTL pulses\n",
		len(args.Inputs), args.ScanRateHz, args.SineFreqHz, args.PulseCount)
	err := s.session.Configure(*args)
	if err == nil {
		saveState("stream", args)
	}
	s.clientUpdates <- ClientUpdate{"STREAM", args}
	s.broadcastUpdate()
	*reply = (err == nil)
	log.Printf("Result is okay=%t and state=%s\n", *reply, s.session.State())
	return err
}

// StartReply identifies a newly started run.
type StartReply struct {
	RunID        string
	ActualRateHz float64
}

// Start moves an Armed session to Running and launches the drain loop.
// Record files open first when a recording path is armed, and the run's
// start row goes to the database before any data flows.
func (s *SessionControl) Start(dummy *string, reply *StartReply) error {
	actual, err := s.session.Start()
	if err != nil {
		return err
	}
	runID := s.session.RunID()
	cfg := s.session.Config()
	if err := s.records.Start(runID, cfg.Inputs); err != nil {
		s.session.Stop()
		return err
	}
	info := s.session.Device().Info()
	msg := &rundb.RunMessage{
		ID:              runID,
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
	s.lock.Lock()
	s.runmsg = msg
	s.lock.Unlock()
	s.runDB.RecordRun(msg)

	log.Printf("Starting run %s at %.6g scans/s\n", runID, actual)
	go s.drainLoop()
	s.broadcastUpdate()
	reply.RunID = runID
	reply.ActualRateHz = actual
	return nil
}

// Stop halts the running session and closes any open record files.
func (s *SessionControl) Stop(dummy *string, reply *bool) error {
	log.Printf("Stopping stream session\n")
	err := s.session.Stop()
	if err2 := s.records.Stop(); err2 != nil && err == nil {
		err = err2
	}
	s.finishRun("stopped")
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// finishRun stamps the run's final counters and outcome into the database.
// Safe to call more than once per run; only the first call counts.
func (s *SessionControl) finishRun(outcome string) {
	s.lock.Lock()
	msg := s.runmsg
	s.runmsg = nil
	s.lock.Unlock()
	if msg == nil {
		return
	}
	stats := s.session.Stats()
	msg.ScansRead = stats.ScansRead
	msg.TruncatedSamples = stats.TruncatedSamples
	msg.PeakBacklog = stats.PeakBacklog
	msg.Outcome = outcome
	s.runDB.FinishRun(msg)
}

// drainLoop pulls chunks out of the running session and fans them to the
// record files and the data port until the session stops or dies. Backlog
// warnings pass through as status messages; the accompanying chunk is
// still good and still gets written.
func (s *SessionControl) drainLoop() {
	for {
		timeout := s.session.ReadTimeout()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		chunk, err := s.session.ReadChunk(ctx)
		cancel()
		if err != nil {
			var blErr *BacklogExceededError
			switch {
			case errors.As(err, &blErr):
				ProblemLogger.Printf("run %s: %v", s.session.RunID(), blErr)
				s.clientUpdates <- ClientUpdate{"BACKLOG", blErr}
			case errors.Is(err, context.DeadlineExceeded):
				ProblemLogger.Printf("run %s: no data within %v; presuming the scan loop stalled",
					s.session.RunID(), timeout)
				s.session.Stop()
				s.records.Stop()
				s.finishRun("stalled")
				s.broadcastUpdate()
				return
			default:
				log.Printf("drain loop ending: %v\n", err)
				if s.session.State() == Running {
					ProblemLogger.Printf("run %s died: %v", s.session.RunID(), err)
					s.session.Stop()
					s.records.Stop()
					s.finishRun("error")
					s.broadcastUpdate()
				}
				return
			}
		}
		if chunk == nil {
			continue
		}
		if err := s.records.WriteChunk(chunk); err != nil {
			ProblemLogger.Printf("record writing failed: %v", err)
		}
		if err := s.publisher.PublishChunk(chunk); err != nil {
			ProblemLogger.Printf("chunk publish failed: %v", err)
		}
	}
}

// PulseArgs holds the arguments to a FireStartPulse operation.
type PulseArgs struct {
	Line   int
	WidthS float64
}

// FireStartPulse emits one manual synchronization pulse on the given FIO
// line. The call returns after the line is low again.
func (s *SessionControl) FireStartPulse(args *PulseArgs, reply *bool) error {
	log.Printf("FireStartPulse: line FIO%d, width=%.6f s\n", args.Line, args.WidthS)
	width := time.Duration(args.WidthS * float64(time.Second))
	err := FirePulse(s.session.Device(), args.Line, width)
	s.clientUpdates <- ClientUpdate{"PULSE", args}
	*reply = (err == nil)
	log.Printf("Result is okay=%t\n", *reply)
	return err
}

// RecordArgs holds the arguments to a StartRecording operation.
type RecordArgs struct {
	BasePath string
}

// StartRecording arms record writing: every following run writes one CSV
// and one NPY file under the given directory. The armed path is saved so a
// restart comes back recording to the same place.
func (s *SessionControl) StartRecording(args *RecordArgs, reply *bool) error {
	log.Printf("StartRecording: %s\n", args.BasePath)
	err := s.records.Arm(args.BasePath)
	if err == nil {
		saveState("record", args)
	}
	s.clientUpdates <- ClientUpdate{"RECORD", s.records.ComputeState()}
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// StopRecording closes any open record files and disarms record writing.
func (s *SessionControl) StopRecording(dummy *string, reply *bool) error {
	log.Printf("StopRecording\n")
	err := s.records.Disarm()
	if err == nil {
		saveState("record", &RecordArgs{})
	}
	s.clientUpdates <- ClientUpdate{"RECORD", s.records.ComputeState()}
	s.broadcastUpdate()
	*reply = (err == nil)
	return err
}

// ReadStatus returns the server's current status snapshot.
func (s *SessionControl) ReadStatus(dummy *string, reply *ServerStatus) error {
	*reply = s.computeStatus()
	return nil
}

// DeviceInfo returns a human-readable dump of the device identity and its
// register profile.
func (s *SessionControl) DeviceInfo(dummy *string, reply *string) error {
	dev := s.session.Device()
	*reply = spew.Sdump(dev.Info(), dev.Profile())
	return nil
}

func (s *SessionControl) computeStatus() ServerStatus {
	stats := s.session.Stats()
	cfg := s.session.Config()
	return ServerStatus{
		State:            s.session.State().String(),
		DeviceModel:      s.session.Device().Profile().Model,
		RunID:            stats.RunID,
		Nchannels:        len(cfg.Inputs),
		ScansPerRead:     cfg.ScansPerRead,
		RequestedRateHz:  cfg.ScanRateHz,
		ActualRateHz:     stats.ActualRateHz,
		ScansRead:        stats.ScansRead,
		TruncatedSamples: stats.TruncatedSamples,
		PeakBacklog:      stats.PeakBacklog,
		Recording:        s.records.IsActive(),
	}
}

func (s *SessionControl) broadcastUpdate() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.computeStatus()}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SessionControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(dev tseries.Device, runDB *rundb.RunDBConnection, messageChan chan<- ClientUpdate, portrpc int) {

	// Set up objects to handle remote calls
	sessionControl := NewSessionControl(dev, runDB, messageChan)
	if pub, err := NewDataPublisher(Ports.Data); err == nil {
		sessionControl.publisher = pub
	} else {
		ProblemLogger.Printf("could not bind the data port: %v", err)
	}

	// Load stored settings
	var okay bool
	var sc SessionConfig
	var ra RecordArgs
	log.Printf("Lockstep is using config file %s\n", viper.ConfigFileUsed())
	err := viper.UnmarshalKey("stream", &sc)
	if err == nil && len(sc.Inputs) > 0 {
		sessionControl.Configure(&sc, &okay)
	}
	err = viper.UnmarshalKey("record", &ra)
	if err == nil && ra.BasePath != "" {
		sessionControl.StartRecording(&ra, &okay)
	}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			sessionControl.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(sessionControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
