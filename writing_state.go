package galvoscan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/rasterlab/galvoscan/asyncbufio"
	"github.com/rasterlab/galvoscan/framestore"
	"github.com/rasterlab/galvoscan/internal/scandb"
	"gopkg.in/yaml.v3"
)

// storageConsumerName is the consumer name used while frames are being written.
const storageConsumerName = "storage"

// WriteControlConfig object to control start/stop/pause of data writing
type WriteControlConfig struct {
	Request string // "START", "STOP", "PAUSE", "UNPAUSE" or "UNPAUSE label"
	Path    string // write in a new directory under this path
	Format  string // npy, tiff or fits; empty means the session default
}

// WritingState monitors the state of file writing.
type WritingState struct {
	Active                       bool
	Paused                       bool
	BasePath                     string
	Format                       string
	FilenamePattern              string
	RunID                        string
	FramesWritten                int64
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64
	TimestampFilename            string
	ParamsFilename               string
	experimentStateFile          *os.File
	timestampFile                *os.File
	timestampWriter              *asyncbufio.Writer
	frames                       *framestore.Set
	runEntry                     *scandb.RunMessage
	db                           *scandb.Connection
	sync.Mutex
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState will return a property-by-property copy of the WritingState.
// It will not copy the "active" features like open files.
func (ws *WritingState) ComputeState() WritingState {
	ws.Lock()
	defer ws.Unlock()
	var copyState WritingState
	copyState.Active = ws.Active
	copyState.Paused = ws.Paused
	copyState.BasePath = ws.BasePath
	copyState.Format = ws.Format
	copyState.FilenamePattern = ws.FilenamePattern
	copyState.RunID = ws.RunID
	copyState.FramesWritten = ws.FramesWritten
	copyState.ExperimentStateFilename = ws.ExperimentStateFilename
	copyState.ExperimentStateLabel = ws.ExperimentStateLabel
	copyState.ExperimentStateLabelUnixNano = ws.ExperimentStateLabelUnixNano
	copyState.TimestampFilename = ws.TimestampFilename
	copyState.ParamsFilename = ws.ParamsFilename
	return copyState
}

// makeDirectory creates base/YYYYMMDD/NNNN for the first unused NNNN and
// returns a filename pattern inside it, with two %s verbs for a file's name
// and extension.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := filepath.Join(basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := filepath.Join(todayDir, fmt.Sprintf("%4.4d", i))
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return filepath.Join(thisDir, fmt.Sprintf("%s_run%4.4d_%%s.%%s", today, i)), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

// runSidecar is written to params.yaml at the start of every run.
type runSidecar struct {
	RunID     string         `yaml:"run_id"`
	SessionID string         `yaml:"session_id"`
	DeviceID  string         `yaml:"device_id"`
	Started   time.Time      `yaml:"started"`
	Format    string         `yaml:"format"`
	FrameRate float64        `yaml:"frame_rate"`
	Version   string         `yaml:"version"`
	Params    ScanParameters `yaml:"params"`
}

func writeSidecar(filename string, sc runSidecar) error {
	data, err := yaml.Marshal(sc)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// start opens every file of a new run. On error nothing stays open and the
// state is left inactive.
func (ws *WritingState) start(filenamePattern string, format framestore.Format, sc runSidecar) error {
	ws.Lock()
	defer ws.Unlock()
	p := sc.Params
	frames, err := framestore.NewSet(framestore.Config{
		Format:     format,
		Pattern:    filenamePattern,
		ImageSize:  p.ImageSize,
		InputRange: p.InputRange,
	}, p.InputChannels)
	if err != nil {
		return err
	}
	ws.frames = frames
	if err := ws.openRunFiles(filenamePattern, sc); err != nil {
		return multierror.Append(err, ws.closeRunFiles()).ErrorOrNil()
	}

	ws.Active = true
	ws.Paused = false
	ws.Format = format.String()
	ws.FilenamePattern = filenamePattern
	ws.RunID = sc.RunID
	ws.FramesWritten = 0
	ws.runEntry = &scandb.RunMessage{
		ID:              sc.RunID,
		SessionID:       sc.SessionID,
		DeviceID:        sc.DeviceID,
		Directory:       filepath.Dir(filenamePattern),
		Format:          ws.Format,
		Pattern:         p.ScanPattern.String(),
		Channels:        p.InputChannels,
		ImageSize:       p.ImageSize,
		SamplesPerPixel: p.SamplesPerPixel,
		FillFraction:    p.FillFraction,
		SampleRate:      p.SampleRate,
		Start:           sc.Started,
	}
	ws.db.RecordRun(ws.runEntry)
	return nil
}

// openRunFiles writes the sidecar and opens the timestamp and experiment
// state logs of a run.
func (ws *WritingState) openRunFiles(filenamePattern string, sc runSidecar) error {
	ws.ParamsFilename = fmt.Sprintf(filenamePattern, "params", "yaml")
	if err := writeSidecar(ws.ParamsFilename, sc); err != nil {
		return err
	}
	ws.TimestampFilename = fmt.Sprintf(filenamePattern, "timestamps", "txt")
	f, err := os.Create(ws.TimestampFilename)
	if err != nil {
		return err
	}
	ws.timestampFile = f
	ws.timestampWriter = asyncbufio.NewWriter(ws.timestampFile, 1024, time.Second)
	ws.timestampWriter.WriteString("# frame index, unix time in nanoseconds\n")
	ws.ExperimentStateFilename = fmt.Sprintf(filenamePattern, "experiment_state", "txt")
	return ws.setExperimentStateLabel(sc.Started, "START")
}

// closeRunFiles closes whatever files of the current run are open and clears
// every per-run field.
func (ws *WritingState) closeRunFiles() error {
	var result *multierror.Error
	if ws.experimentStateFile != nil {
		if err := ws.experimentStateFile.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close experiment state file, err: %v", err))
		}
	}
	if ws.timestampWriter != nil {
		if err := ws.timestampWriter.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to flush timestamp log, err: %v", err))
		}
	}
	if ws.timestampFile != nil {
		if err := ws.timestampFile.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close timestamp log, err: %v", err))
		}
	}
	if ws.frames != nil {
		if err := ws.frames.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	ws.Active = false
	ws.Paused = false
	ws.FilenamePattern = ""
	ws.RunID = ""
	ws.experimentStateFile = nil
	ws.ExperimentStateFilename = ""
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	ws.timestampFile = nil
	ws.timestampWriter = nil
	ws.TimestampFilename = ""
	ws.ParamsFilename = ""
	ws.frames = nil
	ws.runEntry = nil
	return result.ErrorOrNil()
}

// Stop will set the WritingState to be completely stopped, closing every file.
// Stopping when not active does nothing.
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil
	}
	var result *multierror.Error
	if err := ws.setExperimentStateLabel(time.Now(), "STOP"); err != nil {
		result = multierror.Append(result, err)
	}
	frameCounts := ws.frames.Frames()
	runID, pattern, format, entry, written := ws.RunID, ws.FilenamePattern, ws.Format, ws.runEntry, ws.FramesWritten
	if err := ws.closeRunFiles(); err != nil {
		result = multierror.Append(result, err)
	}
	ws.db.FinishRun(entry)
	for c, n := range frameCounts {
		ws.db.RecordFile(&scandb.FileMessage{
			RunID:    runID,
			Filename: fmt.Sprintf(pattern, fmt.Sprintf("chan%d", c), format),
			Filetype: format,
			Frames:   n,
			Start:    entry.Start,
			End:      time.Now(),
		})
	}
	UpdateLogger.Printf("Stopped writing run %s: %d frames in %s", runID, written, filepath.Dir(pattern))
	return result.ErrorOrNil()
}

// SetExperimentStateLabel writes to a file with name like XXX_experiment_state.txt
// The file is created upon the first call to this function for a given file writing.
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		// create state file if neccesary
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		if _, err := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := fmt.Fprintf(ws.experimentStateFile, "%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel)
	return err
}

// recordFrame stores f unless writing is paused or inactive.
func (ws *WritingState) recordFrame(f *Frame) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active || ws.Paused {
		return nil
	}
	if err := ws.frames.WriteFrame(f.Channel, int64(f.Index), f.Data); err != nil {
		return err
	}
	if f.Channel == 0 {
		fmt.Fprintf(ws.timestampWriter, "%d, %d\n", f.Index, f.Timestamp.UnixNano())
		ws.FramesWritten++
	}
	return nil
}

// allowsChange refuses parameter changes that would alter the shape of
// frames while they are being written.
func (ws *WritingState) allowsChange(old, np ScanParameters) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil
	}
	dir := filepath.Dir(ws.FilenamePattern)
	switch {
	case np.ImageSize != old.ImageSize:
		return invalid("ImageSize", np.ImageSize, "cannot change while writing to %s", dir)
	case np.InputChannels != old.InputChannels:
		return invalid("InputChannels", np.InputChannels, "cannot change while writing to %s", dir)
	case np.InputRange != old.InputRange:
		return invalid("InputRange", np.InputRange, "cannot change while writing to %s", dir)
	}
	return nil
}

// storageConsumer feeds a session's frames into its WritingState. Closing it
// stops writing.
type storageConsumer struct {
	ws *WritingState
}

func (sc storageConsumer) ConsumeFrame(f *Frame) error {
	return sc.ws.recordFrame(f)
}

func (sc storageConsumer) Close() error {
	return sc.ws.Stop()
}

// SetWritingDefaults sets the base path and file format used when a START
// request does not name them.
func (s *ScanSession) SetWritingDefaults(basepath, format string) error {
	if _, err := framestore.ParseFormat(format); err != nil {
		return err
	}
	s.writing.Lock()
	defer s.writing.Unlock()
	s.writing.BasePath = basepath
	s.writing.Format = format
	return nil
}

// SetRunDatabase makes the session record every storage run in db.
func (s *ScanSession) SetRunDatabase(db *scandb.Connection) {
	s.writing.Lock()
	defer s.writing.Unlock()
	s.writing.db = db
}

// ComputeWritingState returns a partial copy of the writing state.
func (s *ScanSession) ComputeWritingState() WritingState {
	return s.writing.ComputeState()
}

// WriteControl changes the data writing start/stop/pause/unpause state.
func (s *ScanSession) WriteControl(config *WriteControlConfig) error {
	err := s.writeControl(config)
	broadcast("WRITING", s.ComputeWritingState())
	return err
}

func (s *ScanSession) writeControl(config *WriteControlConfig) error {
	requestStr := strings.ToUpper(config.Request)
	switch {
	case strings.HasPrefix(requestStr, "PAUSE"):
		s.writing.Lock()
		s.writing.Paused = true
		s.writing.Unlock()

	case strings.HasPrefix(requestStr, "UNPAUSE"):
		if len(config.Request) > 7 {
			// validate format of command "UNPAUSE label"
			if config.Request[7:8] != " " || len(config.Request) == 8 {
				return fmt.Errorf("request format invalid. got::\n%v\nwant someting like: \"UNPAUSE label\"", config.Request)
			}
			stateLabel := config.Request[8:]
			if err := s.writing.SetExperimentStateLabel(time.Now(), stateLabel); err != nil {
				return err
			}
		}
		s.writing.Lock()
		s.writing.Paused = false
		s.writing.Unlock()

	case strings.HasPrefix(requestStr, "STOP"):
		if !s.HasConsumer(storageConsumerName) {
			return nil
		}
		return s.RemoveConsumer(storageConsumerName)

	case strings.HasPrefix(requestStr, "START"):
		return s.writeControlStart(config)

	default:
		return fmt.Errorf("WriteControl config.Request=%q, must be one of (START,STOP,PAUSE,UNPAUSE). Not case sensitive. \"UNPAUSE label\" is also ok",
			config.Request)
	}
	return nil
}

// writeControlStart opens the files of a new run and starts feeding frames to them.
func (s *ScanSession) writeControlStart(config *WriteControlConfig) error {
	// Parameters must not change between reading them here and the storage
	// consumer's registration.
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.writing.IsActive() {
		return fmt.Errorf("writing already in progress, stop writing before starting again")
	}
	s.writing.Lock()
	path, formatName := s.writing.BasePath, s.writing.Format
	s.writing.Unlock()
	if len(config.Path) > 0 {
		path = config.Path
	}
	if len(config.Format) > 0 {
		formatName = config.Format
	}
	format, err := framestore.ParseFormat(formatName)
	if err != nil {
		return err
	}
	filenamePattern, err := makeDirectory(path)
	if err != nil {
		return fmt.Errorf("could not make directory: %s", err.Error())
	}
	p := s.Params()
	sc := runSidecar{
		RunID:     ulid.Make().String(),
		SessionID: s.id,
		DeviceID:  s.dev.ID(),
		Started:   time.Now(),
		Format:    format.String(),
		FrameRate: p.FrameRate(),
		Version:   Build.Version,
		Params:    p,
	}
	if err := s.writing.start(filenamePattern, format, sc); err != nil {
		return err
	}
	if err := s.AddConsumer(storageConsumerName, storageConsumer{ws: &s.writing}, 64); err != nil {
		return multierror.Append(err, s.writing.Stop()).ErrorOrNil()
	}
	UpdateLogger.Printf("Writing run %s as %s to %s", sc.RunID, format, filepath.Dir(filenamePattern))
	return nil
}
