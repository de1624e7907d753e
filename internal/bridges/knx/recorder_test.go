package knx

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupRecorderDB creates an in-memory SQLite database with the recorder tables.
func setupRecorderDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// one connection so every statement sees the same in-memory database
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE knx_group_addresses (
			group_address TEXT PRIMARY KEY,
			last_seen INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 1,
			has_read_response INTEGER NOT NULL DEFAULT 0
		) STRICT;

		CREATE TABLE knx_devices (
			individual_address TEXT PRIMARY KEY,
			last_seen INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 1
		) STRICT;

		CREATE TABLE knx_group_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_address TEXT NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			value_hex TEXT NOT NULL,
			value_bits INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			received_at INTEGER NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testEvent(ga string, kind EventKind, v GroupValue) GroupEvent {
	return GroupEvent{
		Source:      "1.1.5",
		Destination: MustParseGroupAddress(ga),
		Value:       v,
		Kind:        kind,
		Timestamp:   time.Now(),
		Epoch:       3,
	}
}

func TestRecorder_StartStop(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, true)

	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	rec.Stop()
	rec.Stop()
}

func TestRecorder_Record(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, true)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	ctx := context.Background()

	rec.Record(testEvent("1/2/3", EventWrite, BitValue(true)))
	rec.Record(testEvent("1/2/3", EventWrite, BitValue(false)))

	gaCount, err := rec.GroupAddressCount(ctx)
	if err != nil {
		t.Fatalf("GroupAddressCount() error: %v", err)
	}
	if gaCount != 1 {
		t.Errorf("GroupAddressCount() = %d, want 1", gaCount)
	}

	devCount, err := rec.DeviceCount(ctx)
	if err != nil {
		t.Fatalf("DeviceCount() error: %v", err)
	}
	if devCount != 1 {
		t.Errorf("DeviceCount() = %d, want 1", devCount)
	}

	seen, err := rec.GroupAddresses(ctx)
	if err != nil {
		t.Fatalf("GroupAddresses() error: %v", err)
	}
	if len(seen) != 1 || seen[0].MessageCount != 2 || seen[0].HasReadResponse {
		t.Errorf("GroupAddresses() = %+v", seen)
	}
}

func TestRecorder_SkipsBroadcastSource(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, false)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	ev := testEvent("1/2/3", EventWrite, BitValue(true))
	ev.Source = "0.0.0"
	rec.Record(ev)
	ev.Source = ""
	rec.Record(ev)

	devCount, err := rec.DeviceCount(context.Background())
	if err != nil {
		t.Fatalf("DeviceCount() error: %v", err)
	}
	if devCount != 0 {
		t.Errorf("DeviceCount() = %d, want 0", devCount)
	}
}

func TestRecorder_ReadResponseFlag(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, false)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	rec.Record(testEvent("6/0/1", EventReadResponse, BitValue(true)))
	// a later write must not clear the flag
	rec.Record(testEvent("6/0/1", EventWrite, BitValue(false)))

	var flag int
	if err := db.QueryRow(`SELECT has_read_response FROM knx_group_addresses WHERE group_address = ?`, "6/0/1").Scan(&flag); err != nil {
		t.Fatalf("querying flag: %v", err)
	}
	if flag != 1 {
		t.Errorf("has_read_response = %d, want 1", flag)
	}
}

func TestRecorder_Events(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, true)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	ctx := context.Background()
	temp := BytesValue(0x0C, 0x66)

	rec.Record(testEvent("1/2/3", EventWrite, BitValue(true)))
	rec.Record(testEvent("5/0/1", EventReadResponse, temp))
	rec.Record(testEvent("1/2/3", EventReadRequest, GroupValue{}))

	all, err := rec.Events(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Events() returned %d, want 3", len(all))
	}
	if all[0].Kind != EventReadRequest || !all[0].Value.IsEmpty() {
		t.Errorf("newest event = %+v, want the read request", all[0])
	}
	if all[1].Value != temp || all[1].Epoch != 3 || all[1].Source != "1.1.5" {
		t.Errorf("middle event = %+v", all[1])
	}

	ga := MustParseGroupAddress("1/2/3")
	filtered, err := rec.Events(ctx, EventQuery{Address: &ga, Limit: 1})
	if err != nil {
		t.Fatalf("Events(filtered) error: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Destination != ga {
		t.Errorf("Events(filtered) = %+v", filtered)
	}

	future, err := rec.Events(ctx, EventQuery{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Events(since) error: %v", err)
	}
	if len(future) != 0 {
		t.Errorf("Events(since future) returned %d, want 0", len(future))
	}
}

func TestRecorder_PruneEvents(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, true)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	old := testEvent("1/2/3", EventWrite, BitValue(true))
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	rec.Record(old)
	rec.Record(testEvent("1/2/3", EventWrite, BitValue(false)))

	n, err := rec.PruneEvents(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneEvents() = %d, want 1", n)
	}
}

func TestRecorder_WithoutEventLog(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, false)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	rec.Record(testEvent("1/2/3", EventWrite, BitValue(true)))

	events, err := rec.Events(context.Background(), EventQuery{})
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Events() returned %d, want 0 with event log disabled", len(events))
	}
}

func TestRecorder_RecordAfterStop(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, true)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rec.Stop()

	rec.Record(testEvent("1/2/3", EventWrite, BitValue(true)))

	count, err := rec.GroupAddressCount(context.Background())
	if err != nil {
		t.Fatalf("GroupAddressCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("GroupAddressCount() = %d, want 0", count)
	}
}

func TestRecorder_RecordBeforeStart(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewRecorder(db, true)

	// must not panic
	rec.Record(testEvent("1/2/3", EventWrite, BitValue(true)))
}
