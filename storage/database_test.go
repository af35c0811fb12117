package storage

import (
	"os"
	"path/filepath"
	"testing"

	"cryptsend/models"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	var count int
	if err := store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
		"transfers",
	).Scan(&count); err != nil {
		t.Fatalf("check transfers table: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected transfers table to exist")
	}
}

func TestReopenLeavesInProgressTransfersAlone(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()
	mustBeginTransfer(t, store, "live", models.DirectionReceive, 0)

	second, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer func() {
		_ = second.Close()
	}()

	got, err := second.GetTransfer("live")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != models.StatusInProgress || got.ErrorKind != "" {
		t.Fatalf("expected live transfer to stay in_progress, got status=%q kind=%q", got.Status, got.ErrorKind)
	}
}

func TestMarkInterruptedTransfersOnlyTouchesDirection(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustBeginTransfer(t, store, "stale-receive", models.DirectionReceive, 0)
	mustBeginTransfer(t, store, "live-send", models.DirectionSend, 0)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	affected, err := reopened.MarkInterruptedTransfers(models.DirectionReceive)
	if err != nil {
		t.Fatalf("MarkInterruptedTransfers failed: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row marked, got %d", affected)
	}

	got, err := reopened.GetTransfer("stale-receive")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != models.StatusFailed || got.ErrorKind != InterruptedErrorKind {
		t.Fatalf("expected interrupted transfer to be failed, got status=%q kind=%q", got.Status, got.ErrorKind)
	}
	if got.FinishedAt == 0 {
		t.Fatalf("expected finished_at to be set")
	}

	send, err := reopened.GetTransfer("live-send")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if send.Status != models.StatusInProgress {
		t.Fatalf("expected send transfer to stay in_progress, got %q", send.Status)
	}

	if _, err := reopened.MarkInterruptedTransfers("sideways"); err == nil {
		t.Fatalf("expected invalid direction to be rejected")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
