package galvoscan

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by galvoscan.
type Portnumbers struct {
	RPC    int
	Status int
	Frames int
}

// Ports globally holds all TCP port numbers used by galvoscan.
var Ports Portnumbers

// setPortnumbers assigns consecutive ports starting at base.
func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Frames = base + 2
}

// SetPortnumbers is the exported form of setPortnumbers, for the main program.
func SetPortnumbers(base int) {
	setPortnumbers(base)
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log state changes and client updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5600)
	StartTime = time.Now()

	// The main program will override these, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
