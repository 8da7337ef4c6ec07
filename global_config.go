package lockstep

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Lockstep.
type Portnumbers struct {
	RPC    int
	Status int
	Data   int
}

// Ports globally holds all TCP port numbers used by Lockstep.
var Ports Portnumbers

// SetPortnumbers relocates the whole port block to base, base+1, base+2.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Data = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.2",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// LockstepStartTime is a global holding the time init() was run
var LockstepStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

func init() {
	SetPortnumbers(5600)
	LockstepStartTime = time.Now()

	// Lockstep main program will override this, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
}
