package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"propradar/models"
)

var (
	// ErrDuplicateActiveRun means a non-terminal run already exists for
	// the source. One active run per source at a time.
	ErrDuplicateActiveRun = errors.New("active run already exists for source")

	// ErrRunAlreadyTerminal means the caller touched a finished run.
	// This is a programming error in the caller, never retried.
	ErrRunAlreadyTerminal = errors.New("run is already terminal")

	ErrRunNotFound = errors.New("run not found")
)

// RunStore is the persistence surface the coordinator needs. Postgres
// implements it; tests use an in-memory fake.
type RunStore interface {
	CreateRunIfNoActive(ctx context.Context, run *models.SpiderRun) (bool, error)
	AddRunProgress(ctx context.Context, id uuid.UUID, delta models.RunProgress) (bool, error)
	FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string) (bool, error)
	GetRun(ctx context.Context, id uuid.UUID) (*models.SpiderRun, error)
}

// RunCoordinator owns the lifecycle of spider runs: creation, progress
// counters and terminal transitions. Counters are append-only and
// applied atomically by the store.
type RunCoordinator struct {
	store RunStore
}

func NewRunCoordinator(store RunStore) *RunCoordinator {
	return &RunCoordinator{store: store}
}

func (c *RunCoordinator) StartRun(ctx context.Context, source models.Source, settings map[string]string) (uuid.UUID, error) {
	if !models.ValidSource(source) {
		return uuid.Nil, fmt.Errorf("unknown source: %s", source)
	}

	run := &models.SpiderRun{
		ID:        uuid.New(),
		Source:    source,
		StartedAt: time.Now(),
		Status:    models.RunStatusRunning,
		Settings:  settings,
	}

	created, err := c.store.CreateRunIfNoActive(ctx, run)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return uuid.Nil, ErrDuplicateActiveRun
	}
	return run.ID, nil
}

func (c *RunCoordinator) RecordProgress(ctx context.Context, id uuid.UUID, delta models.RunProgress) error {
	if delta.ItemsScraped < 0 || delta.ItemsFailed < 0 || delta.TotalRequests < 0 || delta.FailedRequests < 0 {
		return fmt.Errorf("progress deltas must not be negative")
	}

	ok, err := c.store.AddRunProgress(ctx, id, delta)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if ok {
		return nil
	}

	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	return ErrRunAlreadyTerminal
}

// CompleteRun moves the run to a terminal status. Idempotent: repeating
// the same terminal status is a no-op, a different one is an error.
func (c *RunCoordinator) CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	if status == models.RunStatusFailed && errorMessage == "" {
		return fmt.Errorf("failed runs require an error message")
	}

	ok, err := c.store.FinishRun(ctx, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if ok {
		return nil
	}

	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	if run.Status == status {
		return nil
	}
	return ErrRunAlreadyTerminal
}

func (c *RunCoordinator) GetRun(ctx context.Context, id uuid.UUID) (*models.SpiderRun, error) {
	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}
