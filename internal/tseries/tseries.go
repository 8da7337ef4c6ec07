package tseries

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/goburrow/modbus"
)

// IllegalAddressError means the device rejected a register it does not
// implement (Modbus illegal-data-address exception). Callers decide whether
// the register was optional.
type IllegalAddressError struct {
	Name string
}

func (e *IllegalAddressError) Error() string {
	return fmt.Sprintf("device does not implement register %q", e.Name)
}

// NotRunningError means a stream-stop was issued when no stream was running.
// Cleanup paths treat it as success.
type NotRunningError struct{}

func (e *NotRunningError) Error() string {
	return "no stream is running"
}

// StreamData is one drained batch of stream samples, already converted to
// volts (or to raw port words for digital targets), interleaved scan by scan.
type StreamData struct {
	Samples        []float64
	Width          int  // samples per scan (input channels only)
	DeviceBacklog  int  // scans still buffered on the device
	HostBacklog    int  // scans buffered host-side awaiting ReadStream
	ScansSkipped   int  // scans the device dropped in auto-recovery
	ScanOverlap    bool // device reported overlapping scans in this batch
	BufferOverflow bool // device stream buffer overflowed in this batch
	BurstComplete  bool // device finished a finite burst of scans
	err            error
}

// Device is the named-register and stream contract the engine drives. Two
// implementations exist: TCPDevice for hardware and NoDevice for tests.
type Device interface {
	ReadName(name string) (float64, error)
	WriteName(name string, value float64) error
	WriteNames(names []string, values []float64) error
	StartStream(scanList []uint16, scansPerRead int, scanRateHz float64) (float64, error)
	ReadStream(ctx context.Context) (*StreamData, error)
	StopStream() error
	Profile() *Profile
	Info() DeviceInfo
	Close() error
}

// DeviceInfo describes one opened device.
type DeviceInfo struct {
	Address         string
	Model           string
	SerialNumber    int
	HardwareVersion float64
	FirmwareVersion float64
}

// Batches of drained scans queue here between the socket reader and
// ReadStream. Matches the depth the rest of the pipeline assumes.
const dataChannelDepth = 100

// TCPDevice drives one T-series unit over the network: registers via Modbus
// TCP, stream data via the spontaneous data port. All register transactions
// and stream-control calls are serialized; the firmware is not safe under
// interleaved commands.
type TCPDevice struct {
	addr    string
	handler *modbus.TCPClientHandler
	client  modbus.Client
	profile *Profile
	info    DeviceInfo

	mu        sync.Mutex // serializes all device access
	streaming bool

	// Stream-run state, valid only while streaming.
	dataConn   net.Conn
	data       chan *StreamData
	abort      chan struct{}
	readerDone sync.WaitGroup
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

const modbusTimeout = 2 * time.Second

// Open connects to a device at host or host:port (Modbus port 502 assumed),
// reads its identity, and resolves its capability profile.
func Open(hostport string) (*TCPDevice, error) {
	if !strings.Contains(hostport, ":") {
		hostport += ":502"
	}
	handler := modbus.NewTCPClientHandler(hostport)
	handler.Timeout = modbusTimeout
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", hostport, err)
	}
	d := &TCPDevice{
		addr:    hostport,
		handler: handler,
		client:  modbus.NewClient(handler),
	}

	productID, err := d.ReadName("PRODUCT_ID")
	if err != nil {
		handler.Close()
		return nil, fmt.Errorf("read PRODUCT_ID: %w", err)
	}
	d.profile, err = ProfileForProduct(productID)
	if err != nil {
		handler.Close()
		return nil, err
	}
	hw, _ := d.ReadName("HARDWARE_VERSION")
	fw, _ := d.ReadName("FIRMWARE_VERSION")
	serial, _ := d.ReadName("SERIAL_NUMBER")
	d.info = DeviceInfo{
		Address:         hostport,
		Model:           d.profile.Model,
		SerialNumber:    int(serial),
		HardwareVersion: hw,
		FirmwareVersion: fw,
	}
	log.Printf("Opened %s device: %s", d.profile.Model, spew.Sdump(d.info))
	return d, nil
}

// Profile returns the capability profile resolved at open.
func (d *TCPDevice) Profile() *Profile { return d.profile }

// Info returns the identity read at open.
func (d *TCPDevice) Info() DeviceInfo { return d.info }

// Close stops any running stream and drops the Modbus connection.
func (d *TCPDevice) Close() error {
	if err := d.StopStream(); err != nil {
		var nr *NotRunningError
		if !errors.As(err, &nr) {
			log.Printf("StopStream during Close: %v", err)
		}
	}
	return d.handler.Close()
}

// ReadName reads one named register.
func (d *TCPDevice) ReadName(name string) (float64, error) {
	reg, err := LookupRegister(name)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	raw, err := d.client.ReadHoldingRegisters(reg.Address, uint16(reg.Type.Words()))
	d.mu.Unlock()
	if err != nil {
		return 0, translateModbus(name, err)
	}
	return decodeValue(reg, raw)
}

// WriteName writes one named register.
func (d *TCPDevice) WriteName(name string, value float64) error {
	reg, err := LookupRegister(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	_, err = d.client.WriteMultipleRegisters(reg.Address, uint16(reg.Type.Words()), encodeValue(reg, value))
	d.mu.Unlock()
	if err != nil {
		return translateModbus(name, err)
	}
	return nil
}

// WriteNames writes several named registers in order, stopping at the first
// failure.
func (d *TCPDevice) WriteNames(names []string, values []float64) error {
	if len(names) != len(values) {
		return fmt.Errorf("WriteNames: %d names but %d values", len(names), len(values))
	}
	for i, name := range names {
		if err := d.WriteName(name, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// translateModbus maps a Modbus exception onto this package's error kinds.
func translateModbus(name string, err error) error {
	var mbe *modbus.ModbusError
	if errors.As(err, &mbe) && mbe.ExceptionCode == modbus.ExceptionCodeIllegalDataAddress {
		return &IllegalAddressError{Name: name}
	}
	return fmt.Errorf("register %s: %w", name, err)
}

func encodeValue(reg Register, value float64) []byte {
	buf := make([]byte, 2*reg.Type.Words())
	switch reg.Type {
	case U16:
		binary.BigEndian.PutUint16(buf, uint16(value))
	case U32:
		binary.BigEndian.PutUint32(buf, uint32(value))
	case F32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(value)))
	}
	return buf
}

func decodeValue(reg Register, raw []byte) (float64, error) {
	if len(raw) < 2*reg.Type.Words() {
		return 0, fmt.Errorf("register read returned %d bytes, want %d", len(raw), 2*reg.Type.Words())
	}
	switch reg.Type {
	case U16:
		return float64(binary.BigEndian.Uint16(raw)), nil
	case U32:
		return float64(binary.BigEndian.Uint32(raw)), nil
	case F32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	}
	return 0, fmt.Errorf("register has unknown type %v", reg.Type)
}

// streamSamplesPerPacket caps how many samples the device packs into one
// spontaneous packet (hardware limit 512).
func streamSamplesPerPacket(scansPerRead, width int) int {
	n := scansPerRead * width
	if n > 512 {
		return 512
	}
	return n
}

// StartStream configures the stream control block, enables the hardware scan
// loop, and returns the device-reported actual scan rate. The rate readback
// is authoritative: the clock divisor quantizes the request.
func (d *TCPDevice) StartStream(scanList []uint16, scansPerRead int, scanRateHz float64) (float64, error) {
	d.mu.Lock()
	if d.streaming {
		d.mu.Unlock()
		return 0, fmt.Errorf("StartStream: stream already running")
	}
	d.streaming = true
	d.mu.Unlock()

	width := 0
	for _, addr := range scanList {
		if !IsStreamOutAddress(addr) {
			width++
		}
	}
	if width == 0 {
		d.setStopped()
		return 0, fmt.Errorf("StartStream: scan list has no input channels")
	}

	// The data socket must be listening before the device starts pushing.
	host, _, err := net.SplitHostPort(d.addr)
	if err != nil {
		d.setStopped()
		return 0, err
	}
	dataAddr := net.JoinHostPort(host, fmt.Sprint(streamDataPort))
	conn, err := net.DialTimeout("tcp", dataAddr, modbusTimeout)
	if err != nil {
		d.setStopped()
		return 0, fmt.Errorf("dial stream data port: %w", err)
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
		16, // spontaneous, over Ethernet
		0,  // continuous
	}
	for i, addr := range scanList {
		names = append(names, fmt.Sprintf("STREAM_SCANLIST_ADDRESS%d", i))
		values = append(values, float64(addr))
	}
	names = append(names, "STREAM_ENABLE")
	values = append(values, 1)
	if err := d.WriteNames(names, values); err != nil {
		conn.Close()
		d.setStopped()
		return 0, err
	}

	actual, err := d.ReadName("STREAM_SCANRATE_HZ")
	if err != nil {
		conn.Close()
		d.setStopped()
		return 0, err
	}

	d.mu.Lock()
	d.dataConn = conn
	d.data = make(chan *StreamData, dataChannelDepth)
	d.abort = make(chan struct{})
	d.mu.Unlock()
	d.readerDone.Add(1)
	go d.readStreamLoop(conn, d.data, d.abort, scansPerRead, width)
	return actual, nil
}

func (d *TCPDevice) setStopped() {
	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
}

// readStreamLoop owns the data socket. It accumulates whole scans and hands
// off batches of at least scansPerRead scans; whatever has arrived is
// delivered in one piece, so batches can run long.
func (d *TCPDevice) readStreamLoop(conn net.Conn, out chan<- *StreamData, abort <-chan struct{}, scansPerRead, width int) {
	defer d.readerDone.Done()
	defer close(out)

	deliver := func(sd *StreamData) bool {
		select {
		case out <- sd:
			return true
		case <-abort:
			return false
		}
	}

	slope, offset := d.profile.StreamSlope, d.profile.StreamOffset
	var acc []float64
	var lastTransaction uint16
	seenFirst := false
	deviceBacklog := 0
	skipped := 0
	var overlap, overflow, burstDone bool

	for {
		p, err := readStreamPacket(conn)
		if err != nil {
			// A closed socket is the normal end of a stopped stream.
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				if len(acc) > 0 {
					deliver(&StreamData{
						Samples:        acc,
						Width:          width,
						DeviceBacklog:  deviceBacklog,
						ScansSkipped:   skipped,
						ScanOverlap:    overlap,
						BufferOverflow: overflow,
						BurstComplete:  burstDone,
					})
				}
				return
			}
			deliver(&StreamData{err: fmt.Errorf("stream data socket: %w", err)})
			return
		}
		if seenFirst && p.transaction != lastTransaction+1 {
			log.Printf("stream packet counter jumped %d -> %d", lastTransaction, p.transaction)
		}
		lastTransaction = p.transaction
		seenFirst = true

		switch p.status {
		case statusOK:
		case statusAutoRecoverActive:
			log.Printf("stream auto-recovery active; device buffer filled")
		case statusAutoRecoverEnd:
			skipped += p.scansSkipped()
			log.Printf("stream auto-recovery ended; %d scans skipped", p.scansSkipped())
		case statusScanOverlap:
			overlap = true
			log.Printf("stream packets report overlapping scans")
		case statusBurstComplete:
			burstDone = true
		case statusBufferOverflowFull:
			overflow = true
			log.Printf("stream buffer overflowed; the device is dropping scans")
		default:
			log.Printf("stream packet status %d", p.status)
		}

		for _, s := range p.samples {
			acc = append(acc, slope*float64(s)+offset)
		}
		deviceBacklog = p.backlogScans(width)

		if len(acc) >= scansPerRead*width {
			sd := &StreamData{
				Samples:        acc,
				Width:          width,
				DeviceBacklog:  deviceBacklog,
				HostBacklog:    len(out) * scansPerRead,
				ScansSkipped:   skipped,
				ScanOverlap:    overlap,
				BufferOverflow: overflow,
				BurstComplete:  burstDone,
			}
			acc = nil
			skipped = 0
			overlap, overflow, burstDone = false, false, false
			if !deliver(sd) {
				return
			}
		}
	}
}

// ReadStream blocks until the next batch of scans is available or the context
// ends. On device-side trouble the error from the data socket surfaces here.
func (d *TCPDevice) ReadStream(ctx context.Context) (*StreamData, error) {
	d.mu.Lock()
	data := d.data
	streaming := d.streaming
	d.mu.Unlock()
	if !streaming || data == nil {
		return nil, fmt.Errorf("ReadStream: no stream is running")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sd, ok := <-data:
		if !ok {
			return nil, fmt.Errorf("ReadStream: stream ended")
		}
		if sd.err != nil {
			return nil, sd.err
		}
		return sd, nil
	}
}

// StopStream halts the hardware scan loop and shuts down the data socket.
// Stopping an idle stream returns a NotRunningError, which cleanup paths
// ignore.
func (d *TCPDevice) StopStream() error {
	err := d.WriteName("STREAM_ENABLE", 0)

	d.mu.Lock()
	conn := d.dataConn
	abort := d.abort
	wasStreaming := d.streaming
	d.dataConn = nil
	d.data = nil
	d.abort = nil
	d.streaming = false
	d.mu.Unlock()

	if conn != nil {
		closeIfOpen(abort)
		conn.Close()
		d.readerDone.Wait()
	}

	if err != nil {
		var ill *IllegalAddressError
		if errors.As(err, &ill) {
			return err
		}
		var mbe *modbus.ModbusError
		if !wasStreaming || errors.As(err, &mbe) {
			// The device complains when told to stop a stream that is not
			// running. Report it as such so callers can ignore it.
			return &NotRunningError{}
		}
		return err
	}
	if !wasStreaming {
		return &NotRunningError{}
	}
	return nil
}
