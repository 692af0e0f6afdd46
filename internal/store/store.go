package store

import (
	"context"

	"github.com/seantiz/validator/internal/model"
)

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByValidator map[string]int `json:"count_by_validator"`
	// CountByCallback counts finished runs by callback delivery state.
	// Runs that never reached NOTIFYING are not counted.
	CountByCallback map[string]int `json:"count_by_callback"`
	// StatusByValidator is the status breakdown of each validator type.
	StatusByValidator map[string]map[string]int `json:"status_by_validator"`
	AvgDurationMS     float64                   `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the run ledger.
type Store interface {
	RecordRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertLogLine(ctx context.Context, runID string, seq int, line string) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)
	// Ping reports whether the ledger can still be reached.
	Ping(ctx context.Context) error
	Close() error
}
