package observability_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telemd/dbopen"
	"github.com/hazyhaar/telemd/observability"
)

func TestInitCreatesTables(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, table := range []string{"worker_heartbeats", "business_event_logs"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}
}

func TestEventLoggerLogEvent(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	el := observability.NewEventLogger(db)
	el.LogEvent(context.Background(), observability.BusinessEvent{
		EventType:   "record_admitted",
		ServiceName: "telemd",
		EntityType:  "record",
		EntityID:    "42",
		Action:      "insert",
		Details:     `{"classification":"org.clearlinux/crash/clr"}`,
		Success:     true,
	})

	var (
		eventID   string
		eventType string
		service   string
		success   int
	)
	err := db.QueryRow(`SELECT event_id, event_type, service_name, success FROM business_event_logs`).
		Scan(&eventID, &eventType, &service, &success)
	if err != nil {
		t.Fatalf("query event: %v", err)
	}
	if eventType != "record_admitted" {
		t.Errorf("event_type = %q", eventType)
	}
	if service != "telemd" {
		t.Errorf("service_name = %q", service)
	}
	if success != 1 {
		t.Errorf("success = %d, want 1", success)
	}
	if len(eventID) < 5 || eventID[:4] != "evt_" {
		t.Errorf("event_id = %q, want evt_ prefix", eventID)
	}
}

func TestHeartbeatWriter(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	hw := observability.NewHeartbeatWriter(db, "crash-worker", time.Minute)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	var (
		worker     string
		goroutines int
		pid        int
	)
	err := db.QueryRow(`SELECT worker_name, goroutines_count, worker_pid FROM worker_heartbeats`).
		Scan(&worker, &goroutines, &pid)
	if err != nil {
		t.Fatalf("query heartbeat: %v", err)
	}
	if worker != "crash-worker" {
		t.Errorf("worker_name = %q", worker)
	}
	if goroutines <= 0 {
		t.Errorf("goroutines_count = %d, want > 0", goroutines)
	}
	if pid <= 0 {
		t.Errorf("worker_pid = %d, want > 0", pid)
	}
}

func TestHeartbeatWriterStartStop(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	hw := observability.NewHeartbeatWriter(db, "crash-worker", time.Hour)
	hw.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	hw.Stop()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("heartbeats = %d, want 1 immediate beat", n)
	}
}

func TestCleanup(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	old := time.Now().AddDate(0, 0, -60).Unix()
	recent := time.Now().Unix()
	for _, ts := range []int64{old, recent} {
		if _, err := db.Exec(`
			INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at, success)
			VALUES (?, 'x', 'telemd', 'test', ?, 1)`, "evt_"+time.Unix(ts, 0).Format("20060102150405"), ts); err != nil {
			t.Fatalf("seed event: %v", err)
		}
		if _, err := db.Exec(`
			INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp)
			VALUES ('w', 'h', 1, ?)`, ts); err != nil {
			t.Fatalf("seed heartbeat: %v", err)
		}
	}

	cfg := observability.RetentionConfig{EventLogsDays: 30, HeartbeatsDays: 7}
	if err := observability.Cleanup(context.Background(), db, cfg); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	var events, beats int
	if err := db.QueryRow(`SELECT COUNT(*) FROM business_event_logs`).Scan(&events); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats`).Scan(&beats); err != nil {
		t.Fatal(err)
	}
	if events != 1 || beats != 1 {
		t.Errorf("after cleanup events=%d beats=%d, want 1 each", events, beats)
	}
}
