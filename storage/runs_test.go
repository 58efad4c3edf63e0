package storage

import (
	"errors"
	"testing"
)

func TestRecordAndListRuns(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	firstID, err := store.RecordRun(SyncRun{
		Host:       "10.0.0.7",
		Direction:  DirectionPush,
		Categories: []string{"settings", "widgets"},
		Status:     RunStatusOK,
		StartedAt:  now - 2_000,
		FinishedAt: now - 1_000,
	})
	if err != nil {
		t.Fatalf("RecordRun push failed: %v", err)
	}
	if firstID == "" {
		t.Fatalf("expected generated run id")
	}

	if _, err := store.RecordRun(SyncRun{
		Host:       "10.0.0.12",
		Direction:  DirectionPull,
		Categories: []string{"keymaps"},
		Status:     RunStatusPartial,
		Detail:     "keymaps: copy timed out",
		BackupName: "local-skin.estuary_20260301-120000",
		StartedAt:  now,
		FinishedAt: now,
	}); err != nil {
		t.Fatalf("RecordRun pull failed: %v", err)
	}

	all, err := store.ListRuns(RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}
	if all[0].Host != "10.0.0.12" || all[0].Status != RunStatusPartial {
		t.Fatalf("expected newest run first, got %+v", all[0])
	}
	if all[0].BackupName != "local-skin.estuary_20260301-120000" {
		t.Fatalf("unexpected backup name %q", all[0].BackupName)
	}

	filtered, err := store.ListRuns(RunFilter{Host: "10.0.0.7"})
	if err != nil {
		t.Fatalf("ListRuns filtered failed: %v", err)
	}
	if len(filtered) != 1 || len(filtered[0].Categories) != 2 || filtered[0].Categories[1] != "widgets" {
		t.Fatalf("unexpected filtered runs: %+v", filtered)
	}

	got, err := store.GetRun(firstID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Direction != DirectionPush {
		t.Fatalf("unexpected direction %q", got.Direction)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordRunValidates(t *testing.T) {
	store := newTestStore(t)

	cases := []SyncRun{
		{Direction: DirectionPush, Status: RunStatusOK},
		{Host: "10.0.0.7", Direction: "sideways", Status: RunStatusOK},
		{Host: "10.0.0.7", Direction: DirectionPush, Status: "meh"},
	}
	for _, run := range cases {
		if _, err := store.RecordRun(run); err == nil {
			t.Fatalf("expected validation error for %+v", run)
		}
	}
}
