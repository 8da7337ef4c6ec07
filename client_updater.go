package lockstep

// Contain the client updater, which publishes JSON-encoded messages
// giving the latest Lockstep state on the status port.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
// Each message goes out as two frames, the tag then the JSON body. A
// message whose body matches the last one sent under its tag is dropped.
// The special tag "SENDALL" re-publishes the latest message of every tag,
// so late-joining clients can ask for a full picture.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}, portstatus int) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	ctx, err := zmq.NewContext()
	if err != nil {
		return
	}
	pubSocket, err := ctx.NewSocket(zmq.PUB)
	if err != nil {
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return
	}

	send := func(tag string, message []byte) {
		pubSocket.SendBytes([]byte(tag), zmq.SNDMORE)
		pubSocket.SendBytes(message, 0)
	}

	lastMessages := make(map[string][]byte)
	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			if update.tag == "SENDALL" {
				for tag, message := range lastMessages {
					send(tag, message)
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				log.Printf("could not marshal %s update: %v", update.tag, err)
				continue
			}
			if bytes.Equal(message, lastMessages[update.tag]) {
				continue
			}
			send(update.tag, message)
			lastMessages[update.tag] = message
		}
	}
}
