package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdScrapeNow    CommandType = "scrape_now"
	CmdScrapeSource CommandType = "scrape_source"
	CmdCancelRun    CommandType = "cancel_run"
	CmdPause        CommandType = "pause"
	CmdResume       CommandType = "resume"
	CmdRunSweep     CommandType = "run_sweep"
	CmdRunQuality   CommandType = "run_quality"
	CmdRunProbe     CommandType = "run_probe"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	Source string `json:"source,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}
