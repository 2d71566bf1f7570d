package sshaudit

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	a, err := NewAuditor(setupTestDB(t), 90)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	return a
}

func TestNewAuditor_DefaultRetention(t *testing.T) {
	a, err := NewAuditor(setupTestDB(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.RetentionDays() != DefaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", a.RetentionDays(), DefaultRetentionDays)
	}
}

func TestLogAndQuery(t *testing.T) {
	a := newTestAuditor(t)
	a.LogCommand("tv", "prisoner", "uname -a", nil, 120*time.Millisecond)
	a.LogCommand("tv", "prisoner", "false", errors.New("exit 1"), 0)
	a.LogShellStart("emulator", "root", "tok-1", true)

	res, err := a.Query(QueryOptions{Device: "tv"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 2 || len(res.Entries) != 2 {
		t.Fatalf("Total = %d, entries = %d; want 2", res.Total, len(res.Entries))
	}
	// Newest first.
	if res.Entries[0].Outcome != OutcomeError || !strings.Contains(res.Entries[0].Details, "error=exit 1") {
		t.Errorf("first entry = %+v", res.Entries[0])
	}
	if res.Entries[1].DurationMs != 120 {
		t.Errorf("DurationMs = %d, want 120", res.Entries[1].DurationMs)
	}

	res, err = a.Query(QueryOptions{EventType: EventShellSessionStart})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Entries[0].Device != "emulator" {
		t.Errorf("shell query = %+v", res)
	}
}

func TestQuery_Pagination(t *testing.T) {
	a := newTestAuditor(t)
	for i := 0; i < 5; i++ {
		a.LogSpawn("tv", "root", "tail -f /var/log/messages")
	}
	res, err := a.Query(QueryOptions{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 5 || len(res.Entries) != 1 || res.Limit != 2 || res.Offset != 4 {
		t.Errorf("result = total %d, %d entries, limit %d, offset %d", res.Total, len(res.Entries), res.Limit, res.Offset)
	}

	res, err = a.Query(QueryOptions{Limit: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != 1000 {
		t.Errorf("Limit = %d, want clamp to 1000", res.Limit)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -100) })
	a.LogConnectionFailed("tv", "root", errors.New("Bad SSH password"))
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -10) })
	a.LogConnection("tv", "root", "c1")
	a.SetNowFunc(func() time.Time { return now })

	n, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	res, _ := a.Query(QueryOptions{})
	if res.Total != 1 || res.Entries[0].EventType != EventConnectionEstablished {
		t.Errorf("remaining = %+v", res.Entries)
	}
}

func TestNilAuditor(t *testing.T) {
	var a *Auditor
	if err := a.Log(Entry{Device: "tv"}); err != nil {
		t.Errorf("nil Log = %v", err)
	}
	a.LogFileOperation("tv", "root", "put", "/tmp/x", nil)
	if n, err := a.PurgeOlderThan(1); n != 0 || err != nil {
		t.Errorf("nil PurgeOlderThan = %d, %v", n, err)
	}
}
