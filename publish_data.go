package lockstep

import (
	"fmt"

	zmq "github.com/pebbe/zmq4"
	"github.com/usnistgov/lockstep/internal/getbytes"
)

// A DataPublisher broadcasts every drained scan chunk on a ZMQ PUB
// socket as a two-frame message. Frame 1 is a fixed 22-byte header:
//
//	bytes 0-1    uint16  values per scan
//	bytes 2-5    uint32  number of scans in the payload
//	bytes 6-13   uint64  index of the first scan
//	bytes 14-21  float64 actual scan rate (scans/s)
//
// Frame 2 is the payload: little-endian float64 samples, scan-major.
// Subscribers can reassemble records with numpy.frombuffer and the
// header's width.
type DataPublisher struct {
	socket *zmq.Socket
}

// NewDataPublisher binds a PUB socket on the given TCP port.
func NewDataPublisher(portnum int) (*DataPublisher, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, err
	}
	socket, err := ctx.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err = socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, err
	}
	return &DataPublisher{socket: socket}, nil
}

// PublishChunk sends one chunk as a header frame plus a payload frame.
// A nil publisher quietly publishes nothing, so callers need no special
// case when broadcasting is not wanted.
func (dp *DataPublisher) PublishChunk(chunk *ScanChunk) error {
	if dp == nil || dp.socket == nil {
		return nil
	}
	header := make([]byte, 0, 22)
	header = append(header, getbytes.FromUint16(uint16(chunk.Width))...)
	header = append(header, getbytes.FromUint32(uint32(chunk.Scans()))...)
	header = append(header, getbytes.FromUint64(uint64(chunk.FirstScan))...)
	header = append(header, getbytes.FromFloat64(chunk.ActualRate)...)
	if _, err := dp.socket.SendBytes(header, zmq.SNDMORE); err != nil {
		return err
	}
	_, err := dp.socket.SendBytes(getbytes.FromSliceFloat64(chunk.Samples), 0)
	return err
}

// Close shuts the PUB socket. Further PublishChunk calls do nothing.
func (dp *DataPublisher) Close() {
	if dp == nil || dp.socket == nil {
		return
	}
	dp.socket.Close()
	dp.socket = nil
}
