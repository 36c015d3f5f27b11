package audit

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

func TestCreateAndList(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	entry := &Entry{
		Action:  ActionSetFlow,
		Channel: "argon",
		Source:  "api",
		Outcome: OutcomeApplied,
		Detail:  map[string]any{"flow": 50.0},
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if entry.ID == "" {
		t.Error("Create() did not generate ID")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("Total = %d, want 1", result.Total)
	}

	got := result.Entries[0]
	if got.Action != ActionSetFlow || got.Channel != "argon" || got.Outcome != OutcomeApplied {
		t.Errorf("entry = %+v", got)
	}
	if flow, ok := got.Detail["flow"].(float64); !ok || flow != 50.0 {
		t.Errorf("Detail[flow] = %v", got.Detail["flow"])
	}
}

func TestList_Filters(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	entries := []*Entry{
		{Action: ActionSetFlow, Channel: "argon", Source: "api", Outcome: OutcomeApplied},
		{Action: ActionSetFlow, Channel: "oxygen", Source: "mqtt", Outcome: OutcomeDenied,
			Detail: map[string]any{"reason": "oxygen percentage 100.0% exceeds limit 50.0%"}},
		{Action: ActionStopAll, Source: "api", Outcome: OutcomeApplied},
		{Action: ActionRecipeExecute, Source: "api", Outcome: OutcomeApplied},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"no filter", Filter{}, 4},
		{"by action", Filter{Action: ActionSetFlow}, 2},
		{"by channel", Filter{Channel: "oxygen"}, 1},
		{"by outcome", Filter{Outcome: OutcomeDenied}, 1},
		{"action and outcome", Filter{Action: ActionSetFlow, Outcome: OutcomeApplied}, 1},
		{"no matches", Filter{Channel: "helium"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.want {
				t.Errorf("Total = %d, want %d", result.Total, tt.want)
			}
			if len(result.Entries) != tt.want {
				t.Errorf("len(Entries) = %d, want %d", len(result.Entries), tt.want)
			}
		})
	}
}

func TestList_OrderAndPagination(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := &Entry{
			ID:        "aud-fixed-" + string(rune('a'+i)),
			Action:    ActionSetFlow,
			Channel:   "argon",
			Source:    "api",
			Outcome:   OutcomeApplied,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, entry); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	result, err := repo.List(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 5 {
		t.Errorf("Total = %d, want 5", result.Total)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(result.Entries))
	}
	// Newest first.
	if result.Entries[0].ID != "aud-fixed-e" {
		t.Errorf("first entry = %s, want aud-fixed-e", result.Entries[0].ID)
	}

	page2, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page2.Entries[0].ID != "aud-fixed-c" {
		t.Errorf("offset page first entry = %s, want aud-fixed-c", page2.Entries[0].ID)
	}
}

func TestList_EmptyTable(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteRepository(db.DB)

	result, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 0 || len(result.Entries) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
	if result.Entries == nil {
		t.Error("Entries should be an empty slice, not nil")
	}
}
