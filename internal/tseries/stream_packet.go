package tseries

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Once STREAM_ENABLE is written with an Ethernet auto target, the device
// pushes spontaneous stream packets on its data port (TCP 702). Each packet
// is a Modbus-framed function-76 message: a 16-byte header followed by
// big-endian 16-bit samples.
const (
	streamDataPort      = 702
	streamHeaderLength  = 16
	streamFunctionCode  = 76
	spontaneousDataType = 16
)

// Device-reported status codes carried in spontaneous stream headers.
const (
	statusOK                 = 0
	statusAutoRecoverActive  = 2940
	statusAutoRecoverEnd     = 2941
	statusScanOverlap        = 2942
	statusBurstComplete      = 2944
	statusBufferOverflowFull = 2945
)

// streamPacket is one parsed spontaneous data packet.
type streamPacket struct {
	transaction uint16 // rolls over at 65535; gaps mean lost packets
	backlogByts uint16 // bytes still buffered on the device
	status      uint16
	info        uint16 // status-dependent; scans skipped after auto-recovery
	samples     []uint16
}

// parseStreamHeader validates the fixed 16-byte header and returns a packet
// with its sample slice sized but not yet filled. The payload length counts
// the 10 trailing header bytes plus the samples.
func parseStreamHeader(hdr []byte) (*streamPacket, int, error) {
	if len(hdr) < streamHeaderLength {
		return nil, 0, fmt.Errorf("stream header is %d bytes, expect %d", len(hdr), streamHeaderLength)
	}
	if fn := hdr[7]; fn != streamFunctionCode {
		return nil, 0, fmt.Errorf("stream packet function code 0x%x, want 0x%x", fn, streamFunctionCode)
	}
	if typ := hdr[8]; typ != spontaneousDataType {
		return nil, 0, fmt.Errorf("stream packet type %d, want %d", typ, spontaneousDataType)
	}
	// Length counts everything after the MBAP length field itself: unit ID,
	// function, type, reserved, and the 3 trailing u16 fields, then samples.
	length := int(binary.BigEndian.Uint16(hdr[4:6]))
	nsampleBytes := length - 10
	if nsampleBytes < 0 || nsampleBytes%2 != 0 {
		return nil, 0, fmt.Errorf("stream packet payload length %d is not a whole number of samples", nsampleBytes)
	}
	p := &streamPacket{
		transaction: binary.BigEndian.Uint16(hdr[0:2]),
		backlogByts: binary.BigEndian.Uint16(hdr[10:12]),
		status:      binary.BigEndian.Uint16(hdr[12:14]),
		info:        binary.BigEndian.Uint16(hdr[14:16]),
		samples:     make([]uint16, nsampleBytes/2),
	}
	return p, nsampleBytes, nil
}

// readStreamPacket reads and parses one complete spontaneous packet.
func readStreamPacket(r io.Reader) (*streamPacket, error) {
	var hdr [streamHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	p, nbytes, err := parseStreamHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	raw := make([]byte, nbytes)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	for i := range p.samples {
		p.samples[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return p, nil
}

// backlogScans converts the device's byte-denominated backlog report to whole
// scans for a given per-scan record width.
func (p *streamPacket) backlogScans(width int) int {
	if width <= 0 {
		return 0
	}
	return int(p.backlogByts) / (2 * width)
}

// scansSkipped reports how many scans the device dropped, nonzero only on an
// auto-recovery-end packet.
func (p *streamPacket) scansSkipped() int {
	if p.status == statusAutoRecoverEnd {
		return int(p.info)
	}
	return 0
}

// encodeStreamPacket builds the wire form of a spontaneous packet. The
// emulator and the package tests use it; real hardware builds its own.
func encodeStreamPacket(p *streamPacket) []byte {
	buf := make([]byte, streamHeaderLength+2*len(p.samples))
	binary.BigEndian.PutUint16(buf[0:2], p.transaction)
	binary.BigEndian.PutUint16(buf[2:4], 0) // protocol ID
	binary.BigEndian.PutUint16(buf[4:6], uint16(10+2*len(p.samples)))
	buf[6] = 1 // unit ID
	buf[7] = streamFunctionCode
	buf[8] = spontaneousDataType
	buf[9] = 0 // reserved
	binary.BigEndian.PutUint16(buf[10:12], p.backlogByts)
	binary.BigEndian.PutUint16(buf[12:14], p.status)
	binary.BigEndian.PutUint16(buf[14:16], p.info)
	for i, s := range p.samples {
		binary.BigEndian.PutUint16(buf[streamHeaderLength+2*i:], s)
	}
	return buf
}
