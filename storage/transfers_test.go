package storage

import (
	"errors"
	"testing"
	"time"

	"cryptsend/models"
)

func TestBeginAndFinishTransfer(t *testing.T) {
	store := newTestStore(t)

	transfer := models.Transfer{
		TransferID:  "transfer-1",
		Direction:   models.DirectionSend,
		PeerAddress: "10.0.0.7:3001",
		Filename:    "report.pdf",
		Filesize:    1 << 20,
		StoredPath:  "/home/user/report.pdf",
		StartedAt:   nowUnixMilli(),
	}
	if err := store.BeginTransfer(transfer); err != nil {
		t.Fatalf("BeginTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("expected status %q, got %q", models.StatusInProgress, got.Status)
	}
	if got.Filename != "report.pdf" || got.Filesize != 1<<20 || got.PeerAddress != "10.0.0.7:3001" {
		t.Fatalf("unexpected stored transfer: %+v", got)
	}
	if got.FinishedAt != 0 {
		t.Fatalf("expected no finished_at for running transfer, got %d", got.FinishedAt)
	}

	if err := store.FinishTransfer("transfer-1", models.StatusFailed, "IntegrityCheckFailed"); err != nil {
		t.Fatalf("FinishTransfer failed: %v", err)
	}

	finished, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer after finish failed: %v", err)
	}
	if finished.Status != models.StatusFailed || finished.ErrorKind != "IntegrityCheckFailed" {
		t.Fatalf("unexpected finished transfer: status=%q kind=%q", finished.Status, finished.ErrorKind)
	}
	if !finished.Finished() || finished.FinishedAt == 0 {
		t.Fatalf("expected finished transfer to carry finished_at")
	}
}

func TestBeginTransferValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []models.Transfer{
		{Direction: models.DirectionSend, Filename: "a"},
		{TransferID: "x", Direction: models.DirectionSend},
		{TransferID: "x", Direction: "sideways", Filename: "a"},
		{TransferID: "x", Direction: models.DirectionSend, Filename: "a", Filesize: -1},
		{TransferID: "x", Direction: models.DirectionSend, Filename: "a", Status: "paused"},
	}
	for i, transfer := range cases {
		if err := store.BeginTransfer(transfer); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	mustBeginTransfer(t, store, "dup", models.DirectionReceive, 0)
	if err := store.BeginTransfer(models.Transfer{TransferID: "dup", Direction: models.DirectionReceive, Filename: "dup.bin"}); err == nil {
		t.Fatalf("expected duplicate transfer_id to fail")
	}
}

func TestFinishTransferErrors(t *testing.T) {
	store := newTestStore(t)

	if err := store.FinishTransfer("missing", models.StatusComplete, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mustBeginTransfer(t, store, "running", models.DirectionSend, 0)
	if err := store.FinishTransfer("running", models.StatusInProgress, ""); err == nil {
		t.Fatalf("expected in_progress to be rejected as a finish status")
	}
	if err := store.FinishTransfer("running", "done", ""); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestGetTransferNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTransfer("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour).UnixMilli()
	mustBeginTransfer(t, store, "oldest", models.DirectionSend, base)
	mustBeginTransfer(t, store, "middle", models.DirectionReceive, base+1000)
	mustBeginTransfer(t, store, "newest", models.DirectionSend, base+2000)

	all, err := store.ListTransfers(0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(all))
	}
	want := []string{"newest", "middle", "oldest"}
	for i, id := range want {
		if all[i].TransferID != id {
			t.Fatalf("position %d: expected %q, got %q", i, id, all[i].TransferID)
		}
	}

	limited, err := store.ListTransfers(2)
	if err != nil {
		t.Fatalf("ListTransfers(2) failed: %v", err)
	}
	if len(limited) != 2 || limited[0].TransferID != "newest" {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}

func TestPruneTransfersKeepsRecentAndRunning(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().Add(-400 * 24 * time.Hour).UnixMilli()
	mustBeginTransfer(t, store, "old-finished", models.DirectionSend, old)
	if err := store.FinishTransfer("old-finished", models.StatusComplete, ""); err != nil {
		t.Fatalf("FinishTransfer failed: %v", err)
	}
	mustBeginTransfer(t, store, "old-running", models.DirectionReceive, old)
	mustBeginTransfer(t, store, "recent", models.DirectionSend, 0)
	if err := store.FinishTransfer("recent", models.StatusComplete, ""); err != nil {
		t.Fatalf("FinishTransfer failed: %v", err)
	}

	pruned, err := store.PruneTransfers(DefaultHistoryRetention)
	if err != nil {
		t.Fatalf("PruneTransfers failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned transfer, got %d", pruned)
	}
	if _, err := store.GetTransfer("old-finished"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old finished transfer to be pruned, got %v", err)
	}
	for _, id := range []string{"old-running", "recent"} {
		if _, err := store.GetTransfer(id); err != nil {
			t.Fatalf("expected %q to survive pruning: %v", id, err)
		}
	}
}
