package rundb

import (
	"context"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	if db.IsConnected() {
		t.Error("dummy connection claims to be connected")
	}
	// All of these must return promptly and do nothing.
	db.RecordRun(&RunMessage{ID: "01HTESTRUN"})
	db.FinishRun(&RunMessage{ID: "01HTESTRUN"})
	db.RecordRun(nil)
	db.Disconnect()
	db.Wait()

	var nildb *RunDBConnection
	if nildb.IsConnected() {
		t.Error("nil connection claims to be connected")
	}
	nildb.RecordRun(&RunMessage{})
}

func TestConnection(t *testing.T) {
	auth := clickhouse.Auth{
		Database: "default",
		Username: "default",
		Password: "",
	}
	opt :=
		clickhouse.Options{
			Addr:        []string{"localhost:9000"},
			Auth:        auth,
			DialTimeout: time.Second,
		}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		t.Skipf("could not open ClickHouse connection: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		t.Skipf("no ClickHouse server at localhost:9000: %v", err)
	}

	rows, err := conn.Query(ctx, "SHOW TABLES")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		t.Logf("table: %s", name)
	}
}

func TestStartAgainstMissingServer(t *testing.T) {
	if err := PingServer(); err == nil {
		t.Skip("a ClickHouse server is running; the no-server path is not testable")
	}
	abort := make(chan struct{})
	activity := &ActivityMessage{ID: "01HTESTACT", Hostname: "testhost", Start: time.Now()}
	db := StartDBConnection(activity, abort)
	if db.IsConnected() {
		t.Error("connection to a missing server claims to be connected")
	}
	// Messages to a dead connection are dropped, not queued.
	db.RecordRun(&RunMessage{ID: "01HTESTRUN", Start: time.Now()})
	close(abort)
	db.Wait()
}
