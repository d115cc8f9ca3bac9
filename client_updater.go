package galvoscan

// Contains the ClientUpdater, which publishes JSON-encoded messages giving the
// latest scan state to any ZMQ subscriber.

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
	"github.com/rasterlab/galvoscan/internal/unboundedchan"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientMessageChan queues updates for RunClientUpdater. The limit bounds
// memory when no updater is running (as in tests).
var clientMessageChan = unboundedchan.NewLimitedChannel[ClientUpdate](1000)

// broadcast queues a message for all clients. It never waits on the network.
func broadcast(tag string, state interface{}) {
	clientMessageChan.In() <- ClientUpdate{tag: tag, state: state}
}

// Tags that are not worth writing to the update log every time.
var quietTags = map[string]bool{"STATUS": true, "FRAMEDROP": true}

func encodeUpdate(update ClientUpdate) ([]byte, error) {
	msg, err := json.Marshal(update.state)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", update.tag, err)
	}
	return msg, nil
}

// RunClientUpdater forwards every queued ClientUpdate to a ZMQ PUB socket on
// statusport as a two-frame message [tag, json]. The latest message of each
// tag is remembered, and a SENDALL update republishes all of them. It returns
// when abort is closed.
func RunClientUpdater(statusport int, abort <-chan struct{}) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	lastMessages := make(map[string][]byte)
	send := func(tag string, msg []byte) {
		if _, err := pubSocket.SendMessage(tag, msg); err != nil {
			ProblemLogger.Printf("ClientUpdater could not send %s: %v", tag, err)
		}
	}

	for {
		select {
		case <-abort:
			return nil

		case update, ok := <-clientMessageChan.Out():
			if !ok {
				return nil
			}
			if update.tag == "SENDALL" {
				for tag, msg := range lastMessages {
					send(tag, msg)
				}
				continue
			}
			msg, err := encodeUpdate(update)
			if err != nil {
				ProblemLogger.Print(err)
				continue
			}
			// Identical STATUS messages arrive every few seconds; skip repeats.
			if update.tag == "STATUS" && bytes.Equal(msg, lastMessages["STATUS"]) {
				continue
			}
			lastMessages[update.tag] = msg
			if !quietTags[update.tag] {
				UpdateLogger.Printf("SEND %v %v", update.tag, string(msg))
			}
			send(update.tag, msg)
		}
	}
}
