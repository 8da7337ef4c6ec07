package tseries

import (
	"bytes"
	"net"
	"testing"
)

func TestStreamPacketRoundTrip(t *testing.T) {
	orig := &streamPacket{
		transaction: 513,
		backlogByts: 1600,
		status:      statusOK,
		info:        0,
		samples:     []uint16{0, 1, 2, 65535, 32768},
	}
	wire := encodeStreamPacket(orig)
	if len(wire) != streamHeaderLength+2*len(orig.samples) {
		t.Fatalf("encoded packet is %d bytes, want %d", len(wire), streamHeaderLength+2*len(orig.samples))
	}

	p, err := readStreamPacket(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("readStreamPacket: %v", err)
	}
	if p.transaction != orig.transaction {
		t.Errorf("transaction = %d, want %d", p.transaction, orig.transaction)
	}
	if p.backlogByts != orig.backlogByts {
		t.Errorf("backlog = %d, want %d", p.backlogByts, orig.backlogByts)
	}
	if len(p.samples) != len(orig.samples) {
		t.Fatalf("parsed %d samples, want %d", len(p.samples), len(orig.samples))
	}
	for i, s := range orig.samples {
		if p.samples[i] != s {
			t.Errorf("sample %d = %d, want %d", i, p.samples[i], s)
		}
	}
}

func TestStreamPacketValidation(t *testing.T) {
	good := encodeStreamPacket(&streamPacket{samples: []uint16{1, 2}})

	short := good[:10]
	if _, _, err := parseStreamHeader(short); err == nil {
		t.Error("parseStreamHeader should reject a short header")
	}

	badFn := append([]byte(nil), good...)
	badFn[7] = 3
	if _, err := readStreamPacket(bytes.NewReader(badFn)); err == nil {
		t.Error("readStreamPacket should reject a wrong function code")
	}

	badType := append([]byte(nil), good...)
	badType[8] = 0
	if _, err := readStreamPacket(bytes.NewReader(badType)); err == nil {
		t.Error("readStreamPacket should reject a wrong packet type")
	}

	oddLen := append([]byte(nil), good...)
	oddLen[5] = 11 // length implying a half sample
	if _, err := readStreamPacket(bytes.NewReader(oddLen)); err == nil {
		t.Error("readStreamPacket should reject a fractional sample count")
	}

	truncated := good[:len(good)-1]
	if _, err := readStreamPacket(bytes.NewReader(truncated)); err == nil {
		t.Error("readStreamPacket should notice missing sample bytes")
	}
}

func TestBacklogScans(t *testing.T) {
	p := &streamPacket{backlogByts: 1600}
	if n := p.backlogScans(4); n != 200 {
		t.Errorf("backlogScans(4) = %d, want 200", n)
	}
	if n := p.backlogScans(1); n != 800 {
		t.Errorf("backlogScans(1) = %d, want 800", n)
	}
	if n := p.backlogScans(0); n != 0 {
		t.Errorf("backlogScans(0) = %d, want 0", n)
	}
}

func TestReadStreamLoopStatusFlags(t *testing.T) {
	d := &TCPDevice{profile: profiles[7]}
	out := make(chan *StreamData, 4)
	abort := make(chan struct{})
	client, server := net.Pipe()
	defer client.Close()

	d.readerDone.Add(1)
	go d.readStreamLoop(server, out, abort, 2, 1)

	send := func(p *streamPacket) {
		t.Helper()
		if _, err := client.Write(encodeStreamPacket(p)); err != nil {
			t.Fatalf("writing packet %d: %v", p.transaction, err)
		}
	}

	// An overflow report arrives mid-batch and must stick to the batch it
	// arrived in, even though the following packet is clean.
	send(&streamPacket{transaction: 1, status: statusBufferOverflowFull, samples: []uint16{32768}})
	send(&streamPacket{transaction: 2, status: statusOK, samples: []uint16{32768}})

	sd := <-out
	if len(sd.Samples) != 2 {
		t.Fatalf("first batch has %d samples, want 2", len(sd.Samples))
	}
	if sd.Samples[0] != 0.0 {
		t.Errorf("sample 32768 decoded to %g V, want 0", sd.Samples[0])
	}
	if !sd.BufferOverflow {
		t.Error("first batch should carry the buffer overflow flag")
	}
	if sd.ScanOverlap || sd.BurstComplete {
		t.Errorf("first batch flags overlap=%t burst=%t, want neither", sd.ScanOverlap, sd.BurstComplete)
	}

	// Flags reset between batches; a later overlap report stands alone.
	send(&streamPacket{transaction: 3, status: statusScanOverlap, samples: []uint16{32768, 32768}})
	sd = <-out
	if !sd.ScanOverlap {
		t.Error("second batch should carry the scan overlap flag")
	}
	if sd.BufferOverflow {
		t.Error("the overflow flag must not leak into the second batch")
	}

	// A burst-complete report delivered on the closing flush.
	send(&streamPacket{transaction: 4, status: statusBurstComplete, samples: []uint16{32768}})
	client.Close()
	sd = <-out
	if !sd.BurstComplete {
		t.Error("the final flush should carry the burst-complete flag")
	}
	if len(sd.Samples) != 1 {
		t.Errorf("final flush has %d samples, want 1", len(sd.Samples))
	}

	if _, ok := <-out; ok {
		t.Error("the data channel should close after the socket does")
	}
	d.readerDone.Wait()
}

func TestScansSkipped(t *testing.T) {
	ended := &streamPacket{status: statusAutoRecoverEnd, info: 7}
	if n := ended.scansSkipped(); n != 7 {
		t.Errorf("scansSkipped = %d, want 7", n)
	}
	running := &streamPacket{status: statusOK, info: 7}
	if n := running.scansSkipped(); n != 0 {
		t.Errorf("scansSkipped = %d on a normal packet, want 0", n)
	}
}
