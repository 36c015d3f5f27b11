package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "gasflow.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	return db
}

func TestOpen(t *testing.T) {
	t.Run("creates database file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gasflow.db")

		db, err := Open(Config{Path: path, WALMode: true, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
		if db.Path() != path {
			t.Errorf("Path() = %v, want %v", db.Path(), path)
		}
	})

	t.Run("creates missing directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "var", "lib", "gasflow.db")

		db, err := Open(Config{Path: path, WALMode: true, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck

		if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
			t.Error("database directory was not created")
		}
	})

	t.Run("single connection pool", func(t *testing.T) {
		db := openTestDB(t)

		if got := db.Stats().MaxOpenConnections; got != 1 {
			t.Errorf("MaxOpenConnections = %d, want 1", got)
		}
	})
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "gasflow.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	// Close on a zero-value wrapper must not panic.
	db.DB = nil
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil handle error = %v", err)
	}
}

func TestTransactions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		"CREATE TABLE tx_test (id INTEGER PRIMARY KEY, channel TEXT)")
	if err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}

	insert := func(t *testing.T, channel string, commit bool) {
		t.Helper()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("BeginTx() error = %v", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tx_test (channel) VALUES (?)", channel); err != nil {
			t.Fatalf("INSERT error = %v", err)
		}
		if commit {
			err = tx.Commit()
		} else {
			err = tx.Rollback()
		}
		if err != nil {
			t.Fatalf("end transaction error = %v", err)
		}
	}

	insert(t, "argon", true)
	insert(t, "oxygen", false)

	count := func(t *testing.T, channel string) int {
		t.Helper()
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM tx_test WHERE channel = ?", channel).Scan(&n); err != nil {
			t.Fatalf("SELECT error = %v", err)
		}
		return n
	}

	if got := count(t, "argon"); got != 1 {
		t.Errorf("committed rows = %d, want 1", got)
	}
	if got := count(t, "oxygen"); got != 0 {
		t.Errorf("rolled-back rows = %d, want 0", got)
	}
}
