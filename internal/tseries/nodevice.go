package tseries

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RegisterWrite records one write the emulator accepted, in order.
type RegisterWrite struct {
	Name  string
	Value float64
}

// NoDevice is a drop-in replacement for TCPDevice that needs no hardware.
// It honors the same named-register contract, synthesizes stream data, and
// lets tests inject faults: transient write failures, missing registers,
// scripted backlog reports, and over-delivered samples.
type NoDevice struct {
	profile *Profile
	info    DeviceInfo

	mu        sync.Mutex
	isOpen    bool
	streaming bool

	registers map[string]float64
	writes    []RegisterWrite

	failNext    map[string]int  // name -> remaining injected write failures
	missing     map[string]bool // names that answer with illegal-address
	backlogs    []int           // scripted device backlog, one per read
	extraSamps  int             // extra samples appended to the next read
	readsServed int

	scanList     []uint16
	width        int
	scansPerRead int
	actualRate   float64
	nextScan     int64
	lastRead     time.Time
	readInterval time.Duration
}

// NewNoDevice returns an emulated T7 in the open state.
func NewNoDevice() *NoDevice {
	profile := profiles[7]
	return &NoDevice{
		profile: profile,
		info: DeviceInfo{
			Address:         "nodevice",
			Model:           profile.Model,
			SerialNumber:    470000000,
			HardwareVersion: 1.35,
			FirmwareVersion: 1.02,
		},
		isOpen:       true,
		registers:    map[string]float64{"PRODUCT_ID": float64(profile.ProductID)},
		failNext:     make(map[string]int),
		missing:      make(map[string]bool),
		readInterval: time.Millisecond,
	}
}

// Profile returns the emulated model's capability profile.
func (nd *NoDevice) Profile() *Profile { return nd.profile }

// Info returns the emulated identity.
func (nd *NoDevice) Info() DeviceInfo { return nd.info }

// Close errors if already closed.
func (nd *NoDevice) Close() error {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if !nd.isOpen {
		return fmt.Errorf("NoDevice.Close: already closed")
	}
	nd.isOpen = false
	nd.streaming = false
	return nil
}

// ReadName returns the stored value of a named register.
func (nd *NoDevice) ReadName(name string) (float64, error) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if !nd.isOpen {
		return 0, fmt.Errorf("NoDevice.ReadName: not open")
	}
	if _, err := LookupRegister(name); err != nil {
		return 0, err
	}
	if nd.missing[name] {
		return 0, &IllegalAddressError{Name: name}
	}
	return nd.registers[name], nil
}

// WriteName stores a named register value, honoring any injected faults.
func (nd *NoDevice) WriteName(name string, value float64) error {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.writeNameLocked(name, value)
}

func (nd *NoDevice) writeNameLocked(name string, value float64) error {
	if !nd.isOpen {
		return fmt.Errorf("NoDevice.WriteName: not open")
	}
	if _, err := LookupRegister(name); err != nil {
		return err
	}
	if nd.missing[name] || !nd.profile.HasRegister(name) {
		return &IllegalAddressError{Name: name}
	}
	if n := nd.failNext[name]; n > 0 {
		nd.failNext[name] = n - 1
		return fmt.Errorf("register %s: injected transient I/O failure", name)
	}
	nd.registers[name] = value
	nd.writes = append(nd.writes, RegisterWrite{Name: name, Value: value})
	return nil
}

// WriteNames writes several registers in order, stopping at the first error.
func (nd *NoDevice) WriteNames(names []string, values []float64) error {
	if len(names) != len(values) {
		return fmt.Errorf("WriteNames: %d names but %d values", len(names), len(values))
	}
	for i, name := range names {
		if err := nd.WriteName(name, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// StartStream emulates the stream control block writes and the clock-divisor
// rate quantization, returning the "actual" rate exactly as hardware would.
func (nd *NoDevice) StartStream(scanList []uint16, scansPerRead int, scanRateHz float64) (float64, error) {
	nd.mu.Lock()
	if !nd.isOpen {
		nd.mu.Unlock()
		return 0, fmt.Errorf("NoDevice.StartStream: not open")
	}
	if nd.streaming {
		nd.mu.Unlock()
		return 0, fmt.Errorf("NoDevice.StartStream: stream already running")
	}
	if scansPerRead <= 0 {
		nd.mu.Unlock()
		return 0, fmt.Errorf("NoDevice.StartStream: scansPerRead=%d", scansPerRead)
	}
	width := 0
	for _, addr := range scanList {
		if !IsStreamOutAddress(addr) {
			width++
		}
	}
	if width == 0 {
		nd.mu.Unlock()
		return 0, fmt.Errorf("NoDevice.StartStream: scan list has no input channels")
	}

	names := []string{
		"STREAM_SCANRATE_HZ",
		"STREAM_NUM_ADDRESSES",
		"STREAM_SAMPLES_PER_PACKET",
		"STREAM_AUTO_TARGET",
		"STREAM_NUM_SCANS",
	}
	values := []float64{
		scanRateHz,
		float64(len(scanList)),
		float64(streamSamplesPerPacket(scansPerRead, width)),
		16,
		0,
	}
	for i, addr := range scanList {
		names = append(names, fmt.Sprintf("STREAM_SCANLIST_ADDRESS%d", i))
		values = append(values, float64(addr))
	}
	names = append(names, "STREAM_ENABLE")
	values = append(values, 1)
	for i, name := range names {
		if err := nd.writeNameLocked(name, values[i]); err != nil {
			nd.mu.Unlock()
			return 0, err
		}
	}

	actual := nd.profile.ScanRate(scanRateHz)
	nd.registers["STREAM_SCANRATE_HZ"] = actual
	nd.scanList = append([]uint16(nil), scanList...)
	nd.width = width
	nd.scansPerRead = scansPerRead
	nd.actualRate = actual
	nd.nextScan = 0
	nd.streaming = true
	nd.lastRead = time.Now()
	nd.mu.Unlock()
	return actual, nil
}

// ReadStream synthesizes the next batch of scans. Input channel i reports
// float64(i) volts plus a small per-scan ramp, so tests can verify both the
// interleave order and scan counting.
func (nd *NoDevice) ReadStream(ctx context.Context) (*StreamData, error) {
	nd.mu.Lock()
	if !nd.isOpen || !nd.streaming {
		nd.mu.Unlock()
		return nil, fmt.Errorf("NoDevice.ReadStream: no stream is running")
	}
	wait := nd.readInterval - time.Since(nd.lastRead)
	nd.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nd.mu.Lock()
	defer nd.mu.Unlock()
	if !nd.streaming {
		return nil, fmt.Errorf("NoDevice.ReadStream: no stream is running")
	}
	nd.lastRead = time.Now()

	nsamples := nd.scansPerRead*nd.width + nd.extraSamps
	nd.extraSamps = 0
	samples := make([]float64, nsamples)
	for i := range samples {
		scan := nd.nextScan + int64(i/nd.width)
		chanIndex := i % nd.width
		samples[i] = float64(chanIndex) + float64(scan%100)/1000.0
	}
	nd.nextScan += int64(nsamples / nd.width)

	deviceBacklog := 0
	if nd.readsServed < len(nd.backlogs) {
		deviceBacklog = nd.backlogs[nd.readsServed]
	}
	nd.readsServed++

	return &StreamData{
		Samples:       samples,
		Width:         nd.width,
		DeviceBacklog: deviceBacklog,
	}, nil
}

// StopStream halts the emulated scan loop. A second stop reports
// NotRunningError, just as the hardware complains.
func (nd *NoDevice) StopStream() error {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if !nd.isOpen {
		return fmt.Errorf("NoDevice.StopStream: not open")
	}
	if !nd.streaming {
		return &NotRunningError{}
	}
	nd.streaming = false
	nd.registers["STREAM_ENABLE"] = 0
	nd.writes = append(nd.writes, RegisterWrite{Name: "STREAM_ENABLE", Value: 0})
	return nil
}

// Writes returns a copy of every accepted register write, in order.
func (nd *NoDevice) Writes() []RegisterWrite {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return append([]RegisterWrite(nil), nd.writes...)
}

// WrittenValue returns the last value accepted for a register and whether it
// was ever written.
func (nd *NoDevice) WrittenValue(name string) (float64, bool) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	for i := len(nd.writes) - 1; i >= 0; i-- {
		if nd.writes[i].Name == name {
			return nd.writes[i].Value, true
		}
	}
	return 0, false
}

// WriteCount returns how many accepted writes named this register.
func (nd *NoDevice) WriteCount(name string) int {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	n := 0
	for _, w := range nd.writes {
		if w.Name == name {
			n++
		}
	}
	return n
}

// ClearWrites empties the write log.
func (nd *NoDevice) ClearWrites() {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.writes = nil
}

// FailWrites makes the next n writes to a register fail with a transient
// error before succeeding again.
func (nd *NoDevice) FailWrites(name string, n int) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.failNext[name] = n
}

// RemoveRegister makes a register answer with an illegal-address error, the
// way firmware that lacks it would.
func (nd *NoDevice) RemoveRegister(name string) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.missing[name] = true
}

// ScriptBacklog sets the device backlog reported by successive reads; reads
// beyond the script report zero.
func (nd *NoDevice) ScriptBacklog(scans []int) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.backlogs = append([]int(nil), scans...)
	nd.readsServed = 0
}

// OverDeliverSamples appends n extra samples to the next read, emulating
// device-side over-delivery.
func (nd *NoDevice) OverDeliverSamples(n int) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.extraSamps = n
}
