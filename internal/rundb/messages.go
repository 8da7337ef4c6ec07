package rundb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the lockstepactivity table: one
// row per lifetime of the lockstep server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs
// table: one row per hardware-timed stream run.
type RunMessage struct {
	ID               string // ULID of the run
	LockstepID       string // ULID of the server process that ran it
	DeviceAddress    string
	DeviceModel      string
	SerialNumber     int
	RequestedRateHz  float64
	ActualRateHz     float64
	Nchannels        int // input channels in the scan list
	ScansPerRead     int
	ScansRead        int
	TruncatedSamples int
	PeakBacklog      int // worst device backlog seen, in scans
	Outcome          string
	Start            time.Time
	End              time.Time
}
