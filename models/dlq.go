package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorType tags a FailedItem with why it landed in the dead-letter queue.
type ErrorType string

const (
	ErrorTypeNormalization ErrorType = "normalization_failed"
	ErrorTypeValidation    ErrorType = "validation_failed"
	ErrorTypeStorage       ErrorType = "storage_failed"
	ErrorTypeDedup         ErrorType = "dedup_failed"
	ErrorTypePublish       ErrorType = "publish_failed"
)

// FailedItem is one raw item that could not be processed. It stays
// queryable forever; is_resolved flips only when a retry succeeds or an
// operator dismisses it. retry_count never exceeds max_retries.
type FailedItem struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Source       Source          `json:"source" db:"source"`
	RawPayload   json.RawMessage `json:"raw_payload" db:"raw_payload"`
	ErrorMessage string          `json:"error_message" db:"error_message"`
	ErrorType    ErrorType       `json:"error_type" db:"error_type"`
	RetryCount   int             `json:"retry_count" db:"retry_count"`
	MaxRetries   int             `json:"max_retries" db:"max_retries"`
	LastRetryAt  *time.Time      `json:"last_retry_at" db:"last_retry_at"`
	IsResolved   bool            `json:"is_resolved" db:"is_resolved"`
	ResolvedAt   *time.Time      `json:"resolved_at" db:"resolved_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TerminallyFailed reports whether automatic retries are exhausted.
func (f *FailedItem) TerminallyFailed() bool {
	return !f.IsResolved && f.RetryCount >= f.MaxRetries
}
