// Package rundb records lockstep activity and stream runs in a ClickHouse
// database.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// RunDBConnection owns one connection to the ClickHouse server and a
// goroutine that serializes all inserts.
type RunDBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	sync.WaitGroup
}

const databaseName = "lockstep" // official SQL name of the database

// IsConnected says whether the connection is usable. A nil receiver, a
// failed dial, and any later insert error all make it false.
func (db *RunDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer connects, asks the server its version, and disconnects.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects to the database, logs the given activity
// entry, and starts the goroutine that handles insert messages until abort
// is closed. Use Wait to block until that goroutine finishes.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *RunDBConnection {
	db := createDBConnection()
	db.activityEntry = activity
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a connection that ignores all messages, for
// running without a database.
func DummyDBConnection() *RunDBConnection {
	return &RunDBConnection{}
}

func createDBConnection() *RunDBConnection {
	db := &RunDBConnection{}
	dbUser := os.Getenv("LOCKSTEP_DB_USER")
	dbPass := os.Getenv("LOCKSTEP_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "lockstep", Version: "unknown"},
		},
	}
	opt :=
		clickhouse.Options{
			Addr:       []string{"localhost:9000"},
			Auth:       auth,
			ClientInfo: client,
			TLS:        nil,
		}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.runmsg = make(chan *RunMessage)
	return db
}

func (db *RunDBConnection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lockstepactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lockstepactivity ", err)
		db.err = err
	}
}

func (db *RunDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		}
	}
}

// Disconnect stamps the activity entry's end time and re-logs it.
func (db *RunDBConnection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordRun takes a RunMessage and stores it in the DB (if it's open).
// This function will block until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a
// run's start row is entered in the DB before the corresponding call to
// `FinishRun` can insert the final row. Without the blocking, the two
// inserts would race, and some runs would appear finished before started.
func (db *RunDBConnection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stamps the run's end time and re-inserts it without blocking.
func (db *RunDBConnection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

func (db *RunDBConnection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.DeviceAddress, m.DeviceModel, m.SerialNumber,
		m.RequestedRateHz, m.ActualRateHz, m.Nchannels, m.ScansPerRead,
		m.ScansRead, m.TruncatedSamples, m.PeakBacklog, m.Outcome,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.err = err
	}
}
