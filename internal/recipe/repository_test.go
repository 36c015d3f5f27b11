package recipe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sputterlab/gasflow-core/internal/infrastructure/database"
	_ "github.com/sputterlab/gasflow-core/migrations" // register embedded migrations
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestSQLiteExecutionRepository_RoundTrip(t *testing.T) {
	repo := NewSQLiteExecutionRepository(openTestDB(t).DB)
	ctx := context.Background()

	started := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	err := repo.RecordStart(ctx, Execution{
		ID:         "exec-1",
		RecipeName: "oxide-deposition",
		StartedAt:  started,
		StepCount:  3,
	})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}

	running, err := repo.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(running) != 1 || running[0].Status != StatusRunning {
		t.Fatalf("GetRecent() = %+v, want one running execution", running)
	}
	if running[0].CompletedAt != nil {
		t.Error("running execution has CompletedAt set")
	}

	failures := []StepFailure{
		{StepIndex: 1, StepName: "deposit", Channel: "oxygen", Reason: "oxygen concentration limit exceeded"},
	}
	completed := started.Add(time.Minute)
	if err := repo.RecordFinish(ctx, "exec-1", StatusCompleted, completed, failures); err != nil {
		t.Fatalf("RecordFinish() error = %v", err)
	}

	got, err := repo.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(GetRecent()) = %d, want 1", len(got))
	}

	exec := got[0]
	if exec.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", exec.Status)
	}
	if exec.CompletedAt == nil || !exec.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", exec.CompletedAt, completed)
	}
	if len(exec.Failures) != 1 || exec.Failures[0].Channel != "oxygen" {
		t.Errorf("Failures = %+v", exec.Failures)
	}
}

func TestSQLiteExecutionRepository_GetRecentOrdering(t *testing.T) {
	repo := NewSQLiteExecutionRepository(openTestDB(t).DB)
	ctx := context.Background()

	base := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"exec-1", "exec-2", "exec-3"} {
		err := repo.RecordStart(ctx, Execution{
			ID:         id,
			RecipeName: "recipe",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			StepCount:  1,
		})
		if err != nil {
			t.Fatalf("RecordStart() error = %v", err)
		}
	}

	got, err := repo.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(GetRecent()) = %d, want 2", len(got))
	}
	if got[0].ID != "exec-3" || got[1].ID != "exec-2" {
		t.Errorf("GetRecent() order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestSQLiteExecutionRepository_RecordFinishUnknownID(t *testing.T) {
	repo := NewSQLiteExecutionRepository(openTestDB(t).DB)

	err := repo.RecordFinish(context.Background(), "missing", StatusCompleted, time.Now(), nil)
	if err == nil {
		t.Error("RecordFinish() expected error for unknown id")
	}
}
