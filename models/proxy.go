package models

import "time"

// ProxyEndpoint is one outbound egress route. Endpoints are never
// deleted, only deactivated, so the counters keep their history.
type ProxyEndpoint struct {
	URL                 string     `json:"url" db:"url"`
	IsActive            bool       `json:"is_active" db:"is_active"`
	LastChecked         time.Time  `json:"last_checked" db:"last_checked"`
	ResponseTimeMS      *int64     `json:"response_time_ms" db:"response_time_ms"`
	SuccessRate         float64    `json:"success_rate" db:"success_rate"` // 0-100, EMA
	TotalRequests       int64      `json:"total_requests" db:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests" db:"successful_requests"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastError           *string    `json:"last_error" db:"last_error"`
	CountryCode         string     `json:"country_code" db:"country_code"`
	AnonymityLevel      string     `json:"anonymity_level" db:"anonymity_level"`
	DeactivatedAt       *time.Time `json:"deactivated_at" db:"deactivated_at"`
}
