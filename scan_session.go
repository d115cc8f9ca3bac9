package galvoscan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
)

// SessionState is used to indicate the idle/running/transition state of a ScanSession
type SessionState int

// Names for the possible values of SessionState
const (
	Idle        SessionState = iota // Not scanning; the device is released
	Configuring                     // Rebuilding the waveform after a parameter change
	Running                         // Scanning and acquiring frames
	Stopping                        // Halting the device and parking the scanners
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// blockQueueDepth is how many input blocks may wait for the core loop before
// new blocks are counted as input overflows.
const blockQueueDepth = 4

// run holds everything that lives from one Start to the matching Stop.
type run struct {
	params     ScanParameters // owned by the core loop once it starts
	handle     *DeviceHandle
	controller *ScanBufferController
	blocks     chan *RawFrameBlock
	requests   chan func()
	abort      chan struct{}
	loopDone   chan struct{}
	started    time.Time
}

// ScanSession owns one acquisition device and runs the scan/acquire loop on it.
// All methods are safe for concurrent use.
type ScanSession struct {
	id  string
	dev AcquisitionDevice

	lifecycle sync.Mutex // serializes Start, Stop, SetParameter, Configure and Close

	stateLock  sync.Mutex // guards the fields below
	state      SessionState
	params     ScanParameters
	waveform   *Waveform
	current    *run
	lastFault  *DeviceFault
	lastBuffer BufferStats
	closed     bool

	consumersLock sync.RWMutex
	consumers     []*AsyncConsumer

	nextIndex       atomic.Int64
	framesAssembled atomic.Int64
	framesDropped   atomic.Int64
	inputOverflows  atomic.Int64
	latest          atomic.Pointer[[]*Frame]

	faults chan *DeviceFault

	writing WritingState
}

// NewScanSession returns an Idle session for dev. The parameters are validated
// and the waveform built, but the device is not touched until Start.
func NewScanSession(dev AcquisitionDevice, p ScanParameters) (*ScanSession, error) {
	w, err := GenerateWaveform(p)
	if err != nil {
		return nil, err
	}
	s := &ScanSession{
		id:       ulid.Make().String(),
		dev:      dev,
		state:    Idle,
		params:   p,
		waveform: w,
		faults:   make(chan *DeviceFault, 16),
	}
	UpdateLogger.Printf("Scan session %s created for device %s: %d x %d at %.3f frames/s",
		s.id, dev.ID(), p.ImageSize, p.ImageSize, p.FrameRate())
	return s, nil
}

// ID returns the session's unique identifier.
func (s *ScanSession) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *ScanSession) State() SessionState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// Params returns a copy of the current parameters.
func (s *ScanSession) Params() ScanParameters {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.params
}

// Waveform returns the waveform built from the current parameters.
func (s *ScanSession) Waveform() *Waveform {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.waveform
}

// Faults delivers every DeviceFault that ended a run. By the time a fault is
// received the session is already Idle and the scanners are parked.
func (s *ScanSession) Faults() <-chan *DeviceFault {
	return s.faults
}

// LatestFrames returns the most recently assembled frame of each channel, or
// nil before the first frame.
func (s *ScanSession) LatestFrames() []*Frame {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *ScanSession) setState(state SessionState) {
	s.stateLock.Lock()
	s.state = state
	s.stateLock.Unlock()
}

// Start begins scanning. Starting a running session does nothing.
func (s *ScanSession) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.isClosed() {
		return fmt.Errorf("scan session %s is closed", s.id)
	}
	if s.currentRun() != nil {
		return nil
	}
	return s.startLocked()
}

// Stop halts scanning, parks the scanners at zero volts and releases the
// device. Stopping an idle session does nothing. The error, if any, comes from
// the device cleanup, which has nonetheless been attempted in full.
func (s *ScanSession) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked()
}

func (s *ScanSession) isClosed() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.closed
}

func (s *ScanSession) currentRun() *run {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.current
}

// startLocked requires the lifecycle lock.
func (s *ScanSession) startLocked() error {
	s.stateLock.Lock()
	p, w := s.params, s.waveform
	s.stateLock.Unlock()

	handle, err := ClaimDevice(s.dev, NewDeviceConfig(p))
	if err != nil {
		return err
	}
	r := &run{
		params:   p,
		handle:   handle,
		blocks:   make(chan *RawFrameBlock, blockQueueDepth),
		requests: make(chan func()),
		abort:    make(chan struct{}),
		loopDone: make(chan struct{}),
		started:  time.Now(),
	}
	onBlock := func(block *RawFrameBlock) {
		select {
		case r.blocks <- block:
		default:
			s.inputOverflows.Add(1)
			s.framesDropped.Add(1)
		}
	}
	onFault := func(fault *DeviceFault) {
		// The device goroutine must not wait for the stop sequence.
		go s.handleFault(r, fault)
	}
	r.controller = NewScanBufferController(s.dev, onBlock, onFault)
	if err := r.controller.Configure(w, p.MinBufferedSeconds); err != nil {
		return multierror.Append(err, handle.Release()).ErrorOrNil()
	}

	go s.coreLoop(r)
	s.stateLock.Lock()
	s.current = r
	s.stateLock.Unlock()

	if err := r.controller.Start(); err != nil {
		r.controller.Halt()
		close(r.abort)
		<-r.loopDone
		result := multierror.Append(err, handle.Release())
		s.stateLock.Lock()
		s.current = nil
		s.state = Idle
		s.stateLock.Unlock()
		return result.ErrorOrNil()
	}
	s.setState(Running)
	stats := r.controller.Stats()
	UpdateLogger.Printf("Scan session %s started: %d samples/frame, %d frames per output chunk",
		s.id, w.Len(), stats.FramesPerChunk)
	s.broadcastStatus()
	return nil
}

// stopLocked requires the lifecycle lock.
func (s *ScanSession) stopLocked() error {
	r := s.currentRun()
	if r == nil {
		return nil
	}
	s.setState(Stopping)
	r.controller.Halt()
	close(r.abort)
	<-r.loopDone
	err := r.handle.Release()

	s.stateLock.Lock()
	s.lastBuffer = r.controller.Stats()
	s.current = nil
	s.state = Idle
	s.stateLock.Unlock()
	UpdateLogger.Printf("Scan session %s stopped after %v", s.id, time.Since(r.started).Round(time.Millisecond))
	s.broadcastStatus()
	return err
}

// handleFault ends run r after a device fault, unless r has already ended.
func (s *ScanSession) handleFault(r *run, fault *DeviceFault) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.currentRun() != r {
		return
	}
	ProblemLogger.Printf("Device fault, stopping scan session %s: %v", s.id, fault)
	if err := s.stopLocked(); err != nil {
		ProblemLogger.Printf("Could not park scanners after fault (not retried): %v", err)
	}
	s.stateLock.Lock()
	s.lastFault = fault
	s.stateLock.Unlock()
	select {
	case s.faults <- fault:
	default:
		ProblemLogger.Printf("Fault channel full; nobody is reading Faults() for session %s", s.id)
	}
	broadcast("DEVICEFAULT", fault.Error())
}

// coreLoop assembles frames until the run is aborted.
func (s *ScanSession) coreLoop(r *run) {
	defer close(r.loopDone)
	for {
		// Use select to interleave 2 activities that should NOT be done concurrently:
		// 1. Handle requests that change processing parameters
		// 2. Handle new data and process it
		select {
		case <-r.abort:
			return
		case request := <-r.requests:
			request()
		case block := <-r.blocks:
			s.processBlock(r, block)
		}
	}
}

// FrameDropMessage is published each time a frame cannot be assembled.
type FrameDropMessage struct {
	Dropped int64
	Reason  string
}

func (s *ScanSession) processBlock(r *run, block *RawFrameBlock) {
	frames, err := AssembleFrames(block, r.params)
	if err != nil {
		n := s.framesDropped.Add(1)
		ProblemLogger.Printf("Dropped frame: %v", err)
		broadcast("FRAMEDROP", FrameDropMessage{Dropped: n, Reason: err.Error()})
		return
	}
	idx := FrameIndex(s.nextIndex.Add(1) - 1)
	for _, f := range frames {
		f.Index = idx
	}
	s.latest.Store(&frames)
	s.framesAssembled.Add(1)

	s.consumersLock.RLock()
	defer s.consumersLock.RUnlock()
	for _, c := range s.consumers {
		for _, f := range frames {
			c.Offer(f)
		}
	}
}

// inLoop runs f on r's core loop, between frames, and waits for it. If the
// loop has already ended, f runs directly.
func (r *run) inLoop(f func()) {
	done := make(chan struct{})
	select {
	case r.requests <- func() { f(); close(done) }:
		<-done
	case <-r.loopDone:
		f()
	}
}

// SetParameter parses value into the named field (see ParameterNames). An
// invalid value returns a *ValidationError and changes nothing. A running
// session is restarted with the new parameters, except that InvertSignal
// takes effect at the next frame without a restart.
func (s *ScanSession) SetParameter(field, value string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	np, err := s.Params().SetField(field, value)
	if err != nil {
		return err
	}
	return s.applyLocked(np)
}

// Configure replaces all parameters at once, with the same rules as SetParameter.
func (s *ScanSession) Configure(p ScanParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.applyLocked(p)
}

// onlyAssemblyDiffers reports whether a and b differ only in fields that
// affect frame assembly and not the waveform or the device.
func onlyAssemblyDiffers(a, b ScanParameters) bool {
	a.InvertSignal = b.InvertSignal
	return a == b
}

func (s *ScanSession) setParams(p ScanParameters, w *Waveform) {
	s.stateLock.Lock()
	s.params = p
	s.waveform = w
	s.stateLock.Unlock()
	broadcast("SCANPARAMS", p)
}

// applyLocked requires the lifecycle lock. np must be valid.
func (s *ScanSession) applyLocked(np ScanParameters) error {
	old := s.Params()
	if np == old {
		return nil
	}
	if err := s.writing.allowsChange(old, np); err != nil {
		return err
	}
	if r := s.currentRun(); r != nil {
		if onlyAssemblyDiffers(old, np) {
			s.setParams(np, s.Waveform())
			r.inLoop(func() { r.params = np })
			return nil
		}
		w, err := GenerateWaveform(np)
		if err != nil {
			return err
		}
		UpdateLogger.Printf("Restarting scan session %s with new parameters", s.id)
		if err := s.stopLocked(); err != nil {
			ProblemLogger.Printf("Stopping for reconfiguration: %v", err)
		}
		s.setParams(np, w)
		return s.startLocked()
	}

	s.setState(Configuring)
	w, err := GenerateWaveform(np)
	if err != nil {
		s.setState(Idle)
		return err
	}
	s.setParams(np, w)
	s.setState(Idle)
	return nil
}

// AddConsumer registers c to receive every frame through a queue of the given
// depth. Names must be unique.
func (s *ScanSession) AddConsumer(name string, c FrameConsumer, depth int) error {
	s.consumersLock.Lock()
	defer s.consumersLock.Unlock()
	for _, ac := range s.consumers {
		if ac.Name() == name {
			return fmt.Errorf("consumer %q already registered", name)
		}
	}
	s.consumers = append(s.consumers, NewAsyncConsumer(name, c, depth))
	return nil
}

// RemoveConsumer unregisters the named consumer, waits for its queued frames
// and closes it.
func (s *ScanSession) RemoveConsumer(name string) error {
	s.consumersLock.Lock()
	var found *AsyncConsumer
	for i, ac := range s.consumers {
		if ac.Name() == name {
			found = ac
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			break
		}
	}
	s.consumersLock.Unlock()
	if found == nil {
		return fmt.Errorf("consumer %q is not registered", name)
	}
	return found.Close()
}

// HasConsumer reports whether a consumer is registered under name.
func (s *ScanSession) HasConsumer(name string) bool {
	s.consumersLock.RLock()
	defer s.consumersLock.RUnlock()
	for _, ac := range s.consumers {
		if ac.Name() == name {
			return true
		}
	}
	return false
}

// Close stops the session and closes every consumer. The session cannot be
// restarted.
func (s *ScanSession) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	var result *multierror.Error
	if err := s.stopLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	s.stateLock.Lock()
	s.closed = true
	s.stateLock.Unlock()

	s.consumersLock.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.consumersLock.Unlock()
	for _, ac := range consumers {
		if err := ac.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing consumer %s: %w", ac.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// SessionStatus is a snapshot of a ScanSession for clients.
type SessionStatus struct {
	ID              string
	DeviceID        string
	State           string
	Running         bool
	Params          ScanParameters
	FrameRate       float64
	SamplesPerFrame int
	FramesAssembled int64
	FramesDropped   int64
	InputOverflows  int64
	LastFrameIndex  int64 // -1 before the first frame
	Buffer          BufferStats
	Consumers       []ConsumerStats
	LastFault       string
}

// Status returns a snapshot of the session.
func (s *ScanSession) Status() SessionStatus {
	s.stateLock.Lock()
	st := SessionStatus{
		ID:              s.id,
		DeviceID:        s.dev.ID(),
		State:           s.state.String(),
		Running:         s.state == Running,
		Params:          s.params,
		FrameRate:       s.params.FrameRate(),
		SamplesPerFrame: s.params.SamplesPerFrame(),
		Buffer:          s.lastBuffer,
	}
	if s.current != nil {
		st.Buffer = s.current.controller.Stats()
	}
	if s.lastFault != nil {
		st.LastFault = s.lastFault.Error()
	}
	s.stateLock.Unlock()

	st.FramesAssembled = s.framesAssembled.Load()
	st.FramesDropped = s.framesDropped.Load()
	st.InputOverflows = s.inputOverflows.Load()
	st.LastFrameIndex = s.nextIndex.Load() - 1

	s.consumersLock.RLock()
	for _, ac := range s.consumers {
		st.Consumers = append(st.Consumers, ac.Stats())
	}
	s.consumersLock.RUnlock()
	return st
}

func (s *ScanSession) broadcastStatus() {
	broadcast("STATUS", s.Status())
}
