package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status can still change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// SpiderRun is one execution of one source adapter. Counters only ever
// grow; FinishedAt is set exactly when the status leaves running.
type SpiderRun struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	Source         Source            `json:"source" db:"source"`
	StartedAt      time.Time         `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at" db:"finished_at"`
	Status         RunStatus         `json:"status" db:"status"`
	ItemsScraped   int               `json:"items_scraped" db:"items_scraped"`
	ItemsFailed    int               `json:"items_failed" db:"items_failed"`
	TotalRequests  int               `json:"total_requests" db:"total_requests"`
	FailedRequests int               `json:"failed_requests" db:"failed_requests"`
	Settings       map[string]string `json:"settings" db:"settings"`
	ErrorMessage   string            `json:"error_message" db:"error_message"`
}

// RunProgress is a batch of counter deltas reported by pipeline workers.
// Deltas are never negative.
type RunProgress struct {
	ItemsScraped   int
	ItemsFailed    int
	TotalRequests  int
	FailedRequests int
}
