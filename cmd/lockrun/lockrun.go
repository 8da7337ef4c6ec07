package main

// lockrun performs one synchronized run from the command line: configure the
// session, fire the start pulse, stream until the TTL train plus padding has
// elapsed, and print a summary. It opens the device directly rather than
// talking to a running lockstep server, so the two must not share hardware.

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/usnistgov/lockstep"
	"github.com/usnistgov/lockstep/internal/tseries"
)

type runOptions struct {
	addr       string
	noHardware bool
	output     string
	publish    bool
	inputs     string
	rate       float64
	scansPer   int
	sineHz     float64
	amplitude  float64
	offset     float64
	pulses     int
	pulseHz    float64
	widthMS    float64
	line       int
	paddingMS  int
}

var opt runOptions

func parseOptions() error {
	flag.StringVar(&opt.addr, "addr", "", "T-series device host or host:port")
	flag.BoolVar(&opt.noHardware, "nodevice", false, "run against the built-in device emulator")
	flag.StringVar(&opt.output, "o", "", "directory for record files (none means don't record)")
	flag.BoolVar(&opt.publish, "publish", false, "publish scan chunks on the data port while running")
	flag.StringVar(&opt.inputs, "inputs", "AIN0", "comma-separated analog input channels")
	flag.Float64Var(&opt.rate, "rate", 4000, "scan rate in Hz")
	flag.IntVar(&opt.scansPer, "scansper", 400, "scans per read")
	flag.Float64Var(&opt.sineHz, "sine", 10, "sine stimulus frequency in Hz")
	flag.Float64Var(&opt.amplitude, "amp", 1.0, "sine amplitude in volts")
	flag.Float64Var(&opt.offset, "offset", 2.5, "sine offset in volts")
	flag.IntVar(&opt.pulses, "pulses", 100, "number of TTL pulses (0 disables the train)")
	flag.Float64Var(&opt.pulseHz, "pulserate", 10, "TTL pulse rate in Hz")
	flag.Float64Var(&opt.widthMS, "width", 10, "TTL pulse width in ms")
	flag.IntVar(&opt.line, "line", 0, "FIO line for the TTL train and start pulse")
	flag.IntVar(&opt.paddingMS, "padding", 2000, "extra streaming after the train ends, in ms")
	flag.Parse()

	if opt.addr == "" && !opt.noHardware {
		return fmt.Errorf("no device: use -addr or -nodevice")
	}
	return nil
}

func main() {
	if err := parseOptions(); err != nil {
		log.Fatal("ERROR: ", err)
	}

	var dev tseries.Device
	if opt.noHardware {
		dev = tseries.NewNoDevice()
	} else {
		d, err := tseries.Open(opt.addr)
		if err != nil {
			log.Fatal("ERROR: ", err)
		}
		dev = d
	}
	defer dev.Close()

	records := new(lockstep.RecordingState)
	if opt.output != "" {
		if err := records.Arm(opt.output); err != nil {
			log.Fatal("ERROR: ", err)
		}
	}
	var publisher *lockstep.DataPublisher
	if opt.publish {
		p, err := lockstep.NewDataPublisher(lockstep.Ports.Data)
		if err != nil {
			log.Fatal("ERROR: ", err)
		}
		defer p.Close()
		publisher = p
	}

	var inputs []string
	for _, name := range strings.Split(opt.inputs, ",") {
		if name = strings.TrimSpace(name); name != "" {
			inputs = append(inputs, name)
		}
	}
	cfg := lockstep.SessionConfig{
		ScanRateHz:    opt.rate,
		ScansPerRead:  opt.scansPer,
		Inputs:        inputs,
		SineFreqHz:    opt.sineHz,
		SineAmplitude: opt.amplitude,
		SineOffset:    opt.offset,
		SineIdleVolts: opt.offset,
		PulseCount:    opt.pulses,
		PulseRateHz:   opt.pulseHz,
		PulseWidthS:   opt.widthMS / 1000,
		TriggerLine:   opt.line,
	}

	e := &lockstep.Experiment{
		Session:   lockstep.NewStreamSession(dev),
		Records:   records,
		Publisher: publisher,
		Padding:   time.Duration(opt.paddingMS) * time.Millisecond,
	}
	stats, err := e.Run(cfg)
	if err != nil {
		log.Println("ERROR: ", err)
	}
	if stats.RunID != "" {
		fmt.Printf("Run %s finished.\n", stats.RunID)
		fmt.Printf("  actual rate     %.6g scans/s\n", stats.ActualRateHz)
		fmt.Printf("  scans read      %d\n", stats.ScansRead)
		fmt.Printf("  truncated samps %d\n", stats.TruncatedSamples)
		fmt.Printf("  peak backlog    %d scans\n", stats.PeakBacklog)
		if opt.output != "" {
			fmt.Printf("  records in      %s\n", opt.output)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}
