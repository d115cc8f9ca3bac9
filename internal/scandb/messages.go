package scandb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the activity table: one row per
// server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	ID              string
	SessionID       string
	DeviceID        string
	Directory       string
	Format          string
	Pattern         string
	Channels        int
	ImageSize       int
	SamplesPerPixel int
	FillFraction    float64
	SampleRate      float64
	Start           time.Time
	End             time.Time
}

// FileMessage is the information required to make an entry in the files table.
type FileMessage struct {
	RunID    string
	Filename string
	Filetype string
	Frames   int
	Size     int64
	Start    time.Time
	End      time.Time
}
