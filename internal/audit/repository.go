// Package audit provides the command audit trail: every flow command and
// recipe action attempted against the chamber, with its outcome. Denied
// and failed commands are recorded alongside applied ones so an operator
// can reconstruct what was asked of the system, not just what it did.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions recorded in the audit trail.
const (
	ActionSetFlow       = "set_flow"
	ActionStopAll       = "stop_all"
	ActionRecipeExecute = "recipe_execute"
	ActionRecipeCancel  = "recipe_cancel"
)

// Outcomes of an audited command.
const (
	OutcomeApplied = "applied"
	OutcomeDenied  = "denied" // rejected by the safety gate
	OutcomeError   = "error"  // validation or hardware failure
)

// Entry is a single audited command.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Channel   string         `json:"channel,omitempty"` // empty for stop-all and recipe actions
	Source    string         `json:"source"`            // "api" or "mqtt"
	Outcome   string         `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"` // flow, denial reason, execution id
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action  string // optional: filter by action
	Channel string // optional: filter by channel
	Outcome string // optional: filter by outcome
	Limit   int    // default 50, max 200
	Offset  int    // pagination offset
}

// ListResult contains the paginated audit trail results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for audit trail operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the audit trail in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit trail repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new audit entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "aud-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detailJSON *string
	if entry.Detail != nil {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshalling audit detail: %w", err)
		}
		s := string(b)
		detailJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit (id, action, channel, source, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action,
		nullableString(entry.Channel),
		entry.Source, entry.Outcome, detailJSON,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns audit entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for audit queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Channel != "" {
		conditions = append(conditions, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE clause is assembled from parameterised conditions (? placeholders).
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_audit %s", where) //nolint:gosec // parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // parameterised conditions, not user input
		"SELECT id, action, channel, source, outcome, detail, created_at FROM command_audit %s ORDER BY created_at DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var channel, detailJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.Action, &channel,
			&entry.Source, &entry.Outcome, &detailJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		if channel.Valid {
			entry.Channel = channel.String
		}
		if detailJSON.Valid && detailJSON.String != "" {
			var detail map[string]any
			if json.Unmarshal([]byte(detailJSON.String), &detail) == nil {
				entry.Detail = detail
			}
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		entry.CreatedAt = t

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
