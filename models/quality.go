package models

import (
	"encoding/json"
	"time"
)

type MetricName string

const (
	MetricCompleteness MetricName = "completeness"
	MetricAccuracy     MetricName = "accuracy"
	MetricConsistency  MetricName = "consistency"
	MetricTimeliness   MetricName = "timeliness"
)

// QualityMetric is one point-in-time measurement for one source (or the
// "all" pseudo-source). Rows are append-only; history is the trend line.
type QualityMetric struct {
	ID           int64           `json:"id" db:"id"`
	MetricName   MetricName      `json:"metric_name" db:"metric_name"`
	Source       Source          `json:"source" db:"source"`
	Value        float64         `json:"value" db:"value"` // 0-100
	CalculatedAt time.Time       `json:"calculated_at" db:"calculated_at"`
	Details      json.RawMessage `json:"details" db:"details"`
}
