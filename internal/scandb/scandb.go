// Package scandb records server activity, storage runs and the files they
// produce in a ClickHouse database. Every method is a no-op on a connection
// that could not be established, so callers need not check.
package scandb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff"
)

// Connection to the database, with a goroutine that performs inserts.
type Connection struct {
	conn          clickhouse.Conn
	errLock       sync.Mutex
	err           error // set once a connect or insert fails
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	filemsg       chan *FileMessage
	done          chan struct{} // closed when the insert goroutine ends
	sync.WaitGroup
}

const databaseName = "galvoscan" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

func formatTime(t time.Time) string {
	return t.Format(timeFormat)
}

// IsConnected is true if the server was reached and no insert has failed.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return fmt.Errorf("no database connection")
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	if db.err == nil {
		db.err = err
	}
}

// Options returns client options for the server at addr, with credentials
// from $GALVOSCAN_DB_USER and $GALVOSCAN_DB_PASSWORD.
func Options(addr string) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: databaseName,
			Username: os.Getenv("GALVOSCAN_DB_USER"),
			Password: os.Getenv("GALVOSCAN_DB_PASSWORD"),
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "galvoscan", Version: "unknown"},
			},
		},
		DialTimeout: time.Second,
	}
}

// PingServer reports whether the server at addr answers.
func PingServer(addr string) error {
	db := connect(Options(addr), time.Second)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// Start connects to the server at addr, records activity as started, and
// handles inserts until abort is closed. Wait for it to finish afterwards.
func Start(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := connect(Options(addr), 3*time.Second)
	if !db.IsConnected() {
		return db
	}
	db.activityEntry = activity
	db.logActivity()
	db.done = make(chan struct{})
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// Dummy returns a Connection that records nothing.
func Dummy() *Connection {
	return &Connection{err: fmt.Errorf("database not configured")}
}

// connect opens a connection and pings it, retrying with exponential backoff
// for up to maxElapsed.
func connect(opt *clickhouse.Options, maxElapsed time.Duration) *Connection {
	db := &Connection{}
	conn, err := clickhouse.Open(opt)
	if err != nil {
		db.setErr(err)
		return db
	}
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := conn.Ping(ctx)
		if exception, ok := err.(*clickhouse.Exception); ok {
			// The server answered; retrying will not help.
			return backoff.Permanent(fmt.Errorf("exception [%d] %s", exception.Code, exception.Message))
		}
		return err
	}
	err = backoff.Retry(ping, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		conn.Close()
		db.setErr(err)
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.filemsg = make(chan *FileMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formatTime(ae.Start), formatTime(ae.End),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into activity ", err)
		db.setErr(err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.done)
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() && db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordRun stores msg in the DB (if it's open). It blocks until the insert
// goroutine accepts the message, so that a run is always entered before any
// of its files.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	select {
	case db.runmsg <- msg:
	case <-db.done:
	}
}

// FinishRun stores msg again with its End time set.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() {
		select {
		case db.runmsg <- msg:
		case <-db.done:
		}
	}()
}

// RecordFile stores msg without waiting.
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() {
		select {
		case db.filemsg <- msg:
		case <-db.done:
		}
	}()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.SessionID, m.DeviceID, m.Directory, m.Format, m.Pattern,
		m.Channels, m.ImageSize, m.SamplesPerPixel, m.FillFraction, m.SampleRate,
		formatTime(m.Start), formatTime(m.End),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.setErr(err)
	}
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Filename, m.Filetype, m.Frames, m.Size,
		formatTime(m.Start), formatTime(m.End),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into files ", err)
		db.setErr(err)
	}
}
