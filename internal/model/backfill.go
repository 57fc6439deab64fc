package model

import (
	"time"
)

// BackfillStatus is the lifecycle state of a backfill job.
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillLocating  BackfillStatus = "locating"
	BackfillFetching  BackfillStatus = "fetching"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
	BackfillCancelled BackfillStatus = "cancelled"
)

// BackfillJob tracks one historical download. Jobs are session-scoped: they
// live in memory and a restart simply re-runs the backfill, which the
// idempotent candle store makes safe.
type BackfillJob struct {
	ID           string         `json:"id"`
	InstrumentID int            `json:"instrument_id"`
	Symbol       string         `json:"symbol"`
	Status       BackfillStatus `json:"status"`
	EarliestSeen *time.Time     `json:"earliest_seen,omitempty"`
	Cursor       *time.Time     `json:"cursor,omitempty"`
	BarsWritten  int64          `json:"bars_written"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}
