package gasflow

import (
	"context"
	"time"
)

// ReadingRepository persists flow readings for after-the-fact analysis of
// deposition runs.
type ReadingRepository interface {
	// Record inserts one reading.
	Record(ctx context.Context, reading Reading) error

	// GetHistory returns recent readings for a channel, newest first.
	GetHistory(ctx context.Context, channel string, limit int) ([]Reading, error)

	// Prune deletes readings older than the given duration and returns
	// the number of rows removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
