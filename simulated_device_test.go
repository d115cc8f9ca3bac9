package galvoscan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func openSim(t *testing.T, sd *SimulatedDevice, p ScanParameters) {
	t.Helper()
	require.NoError(t, sd.Open(NewDeviceConfig(p)))
}

func TestSimulatedDeviceLag(t *testing.T) {
	p := testParams()
	sd := NewSimulatedDevice(t.Name())
	sd.Lag = 2
	openSim(t, sd, p)
	w, err := GenerateWaveform(p)
	require.NoError(t, err)

	blocks := make(chan *RawFrameBlock, 10)
	sd.SetInputHandler(w.Len(), func(b *RawFrameBlock) { blocks <- b })
	require.NoError(t, sd.QueueOutput(w.X, w.Y))
	require.NoError(t, sd.QueueOutput(w.X, w.Y))
	require.NoError(t, sd.StartBackground())

	var first, second *RawFrameBlock
	for _, b := range []**RawFrameBlock{&first, &second} {
		select {
		case *b = <-blocks:
		case <-time.After(2 * time.Second):
			t.Fatal("no input block from simulated device")
		}
	}
	require.NoError(t, sd.StopBackground())

	col := mat.Col(nil, 0, first.Data)
	assert.Equal(t, []float64{0, 0}, col[:2], "outputs rest at 0 V before the clock starts")
	assert.Equal(t, w.X[:10], col[2:12])
	// The second frame starts with the tail of the first.
	col = mat.Col(nil, 0, second.Data)
	assert.Equal(t, w.X[w.Len()-2:], col[:2])

	require.NoError(t, sd.WriteImmediate([]float64{0, 0}))
	assert.Equal(t, []float64{0, 0}, sd.LastWritten())
	require.NoError(t, sd.Release())
	assert.Error(t, sd.Release())
}

func TestSimulatedDeviceUnderrun(t *testing.T) {
	p := testParams()
	sd := NewSimulatedDevice(t.Name())
	openSim(t, sd, p)
	w, err := GenerateWaveform(p)
	require.NoError(t, err)

	errs := make(chan error, 1)
	sd.SetInputHandler(w.Len(), func(b *RawFrameBlock) {})
	sd.SetErrorHandler(func(err error) { errs <- err })
	require.NoError(t, sd.QueueOutput(w.X, w.Y))
	require.NoError(t, sd.StartBackground())
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrOutputUnderrun), "error %v, want underrun", err)
	case <-time.After(2 * time.Second):
		t.Fatal("underrun was not reported")
	}
	require.NoError(t, sd.StopBackground())
	require.NoError(t, sd.Release())
}

func TestSimulatedDeviceRefusals(t *testing.T) {
	p := testParams()
	sd := NewSimulatedDevice(t.Name())
	assert.Error(t, sd.QueueOutput([]float64{0}, []float64{0}), "queue before open")
	openSim(t, sd, p)
	assert.Error(t, sd.Open(NewDeviceConfig(p)), "open twice")
	assert.Error(t, sd.QueueOutput([]float64{0, 1}, []float64{0}), "unequal lengths")
	assert.Error(t, sd.QueueOutput([]float64{11}, []float64{0}), "beyond max voltage")
	assert.Error(t, sd.StartBackground(), "start without input handler")
	assert.Error(t, sd.WriteImmediate([]float64{0}), "wrong number of outputs")
	assert.NoError(t, sd.StopBackground(), "stopping a stopped device is fine")
	require.NoError(t, sd.Release())
}
