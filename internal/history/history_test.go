package history

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewline/crewline/internal/taskstore"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "crewline.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func summaryFor(taskID string, updated time.Time) *taskstore.Summary {
	return &taskstore.Summary{
		TaskID:        taskID,
		Provider:      "claude",
		Model:         "opus",
		WorkflowPhase: "implementation",
		FinalStatus:   "finalize",
		FinalOutcome:  "approved",
		Rounds:        []taskstore.Round{{Round: 1}, {Round: 2}},
		CreatedAt:     updated.Add(-time.Hour),
		UpdatedAt:     updated,
	}
}

func TestRecordAndGet(t *testing.T) {
	db := openTestDB(t)

	s := summaryFor("task-h1", time.Now())
	s.UnresolvedMustFix = []string{"still broken"}
	s.FinalOutcome = "max_iterations_reached"
	if err := db.Record(s); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	e, err := db.Get("task-h1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Provider != "claude" || e.Model != "opus" || e.Phase != "implementation" {
		t.Errorf("entry = %+v", e)
	}
	if e.FinalOutcome != "max_iterations_reached" || e.Rounds != 2 {
		t.Errorf("entry = %+v", e)
	}
	if len(e.MustFix) != 1 || e.MustFix[0] != "still broken" {
		t.Errorf("MustFix = %v", e.MustFix)
	}
}

func TestGetUnknown(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Get("nope"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRecordUpserts(t *testing.T) {
	db := openTestDB(t)

	s := summaryFor("task-h2", time.Now())
	s.FinalOutcome = "awaiting_operator_confirm"
	s.AwaitingOperatorConfirm = true
	if err := db.Record(s); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	s.FinalOutcome = "approved"
	s.AwaitingOperatorConfirm = false
	s.Rounds = append(s.Rounds, taskstore.Round{Round: 3})
	s.UpdatedAt = time.Now().Add(time.Minute)
	if err := db.Record(s); err != nil {
		t.Fatalf("Record() second error = %v", err)
	}

	e, err := db.Get("task-h2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.FinalOutcome != "approved" || e.AwaitingConfirm || e.Rounds != 3 {
		t.Errorf("entry after upsert = %+v", e)
	}

	entries, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1 row after upsert", len(entries))
	}
}

func TestRecentOrder(t *testing.T) {
	db := openTestDB(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		s := summaryFor(fmt.Sprintf("task-r%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := db.Record(s); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	entries, err := db.Recent(3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].TaskID != "task-r4" || entries[2].TaskID != "task-r2" {
		t.Errorf("order = %s, %s, %s, want newest first",
			entries[0].TaskID, entries[1].TaskID, entries[2].TaskID)
	}
}

func TestRecordNil(t *testing.T) {
	db := openTestDB(t)
	if err := db.Record(nil); err == nil {
		t.Error("Record(nil) = nil error")
	}
}

func TestExpandPath(t *testing.T) {
	if got := expandPath("/abs/path.db"); got != "/abs/path.db" {
		t.Errorf("expandPath(abs) = %q", got)
	}
	got := expandPath("~/x.db")
	if got == "~/x.db" || filepath.Base(got) != "x.db" {
		t.Errorf("expandPath(~/x.db) = %q, want expanded", got)
	}
}
