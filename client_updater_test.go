package galvoscan

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUpdate(t *testing.T) {
	msg, err := encodeUpdate(ClientUpdate{tag: "FRAMEDROP", state: FrameDropMessage{Dropped: 2, Reason: "short block"}})
	require.NoError(t, err)
	var back FrameDropMessage
	require.NoError(t, json.Unmarshal(msg, &back))
	assert.Equal(t, int64(2), back.Dropped)
	assert.Equal(t, "short block", back.Reason)

	_, err = encodeUpdate(ClientUpdate{tag: "BAD", state: make(chan int)})
	assert.ErrorContains(t, err, "BAD")
}

func TestClientUpdater(t *testing.T) {
	if testing.Short() {
		t.Skip("opens ZMQ sockets")
	}
	port := Ports.Status + 100
	abort := make(chan struct{})
	errs := make(chan error, 1)
	go func() { errs <- RunClientUpdater(port, abort) }()
	defer close(abort)

	sub, err := zmq4.NewSocket(zmq4.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)))
	require.NoError(t, sub.SetSubscribe("TESTUPDATE"))
	require.NoError(t, sub.SetRcvtimeo(100*time.Millisecond))

	// A new subscriber misses messages sent before it joins, so keep sending.
	var parts []string
	for i := 0; i < 50 && parts == nil; i++ {
		select {
		case err := <-errs:
			t.Skipf("client updater could not start: %v", err)
		default:
		}
		broadcast("TESTUPDATE", map[string]int{"n": i})
		parts, _ = sub.RecvMessage(0)
	}
	require.Len(t, parts, 2)
	assert.Equal(t, "TESTUPDATE", parts[0])
	assert.Contains(t, parts[1], `"n":`)
}
