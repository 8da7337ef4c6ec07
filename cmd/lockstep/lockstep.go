package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/lockstep"
	"github.com/usnistgov/lockstep/internal/rundb"
	"github.com/usnistgov/lockstep/internal/tseries"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("device.address", "")
	viper.SetDefault("nodb", false)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotLockstep := filepath.Join(HOME, ".lockstep")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotLockstep, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/lockstep"))
	viper.AddConfigPath(dotLockstep)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkReceiveBuffer warns when the kernel's socket receive buffer limit is
// small. The device pushes scan data continuously, so a small buffer turns
// every scheduling hiccup into stream backlog.
func checkReceiveBuffer() {
	const wantBytes = 1 << 22
	raw, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return
	}
	rmem, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return
	}
	if rmem < wantBytes {
		fmt.Printf("Warning: net.core.rmem_max is only %d bytes. Sustained streaming wants %d or more.\n", rmem, wantBytes)
		fmt.Printf("Consider: sudo sysctl -w net.core.rmem_max=%d\n\n", wantBytes)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	lockstep.Build.Date = buildDate
	lockstep.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	deviceAddr := flag.String("addr", "", "T-series device host or host:port (overrides config key device.address)")
	noHardware := flag.Bool("nodevice", false, "run against the built-in device emulator, no hardware needed")
	noDB := flag.Bool("nodb", false, "do not record runs in the ClickHouse database")
	basePort := flag.Int("base-port", 0, "relocate the RPC/status/data port block to this base")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()
	if *basePort > 0 {
		lockstep.SetPortnumbers(*basePort)
	}

	if *printVersion {
		fmt.Printf("This is LOCKSTEP version %s\n", lockstep.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is LOCKSTEP version %s (git commit %s)\n", lockstep.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems to a rotating log file.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".lockstep", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	lockstep.ProblemLogger = startLogger(problemname)
	fmt.Printf("Logging problems to %s\n\n", problemname)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	checkReceiveBuffer()

	var dev tseries.Device
	if *noHardware {
		fmt.Println("Running with the built-in device emulator (-nodevice).")
		dev = tseries.NewNoDevice()
	} else {
		addr := *deviceAddr
		if addr == "" {
			addr = viper.GetString("device.address")
		}
		if addr == "" {
			log.Fatal("no device address: use -addr, set device.address in the config file, or run with -nodevice")
		}
		d, err := tseries.Open(addr)
		if err != nil {
			log.Fatalf("could not open device at %s: %v", addr, err)
		}
		dev = d
	}
	defer dev.Close()

	dbAbort := make(chan struct{})
	var runDB *rundb.RunDBConnection
	if *noDB || viper.GetBool("nodb") {
		runDB = rundb.DummyDBConnection()
	} else {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "host not detected"
		}
		activity := &rundb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  hostname,
			Githash:   githash,
			Version:   lockstep.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}
		runDB = rundb.StartDBConnection(activity, dbAbort)
		if !runDB.IsConnected() {
			fmt.Println("Could not reach the run database; continuing without it.")
		}
	}

	// Trap interrupts so we can cleanly exit the program. RunRPCServer's
	// accept loop never returns on its own.
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	shutdownDB := func() {
		close(dbAbort)
		runDB.Wait()
	}
	go func() {
		<-interruptCatcher
		fmt.Println("\nCaught interrupt; shutting down.")
		shutdownDB()
		dev.Close()
		os.Exit(0)
	}()

	fmt.Printf("Serving RPC on port %d, status on %d, data on %d.\n",
		lockstep.Ports.RPC, lockstep.Ports.Status, lockstep.Ports.Data)
	messageChan := make(chan lockstep.ClientUpdate)
	abort := make(chan struct{})
	go lockstep.RunClientUpdater(messageChan, abort, lockstep.Ports.Status)
	lockstep.RunRPCServer(dev, runDB, messageChan, lockstep.Ports.RPC)
	close(abort)
	shutdownDB()
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close() // error handling omitted for example
	runtime.GC()    // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
