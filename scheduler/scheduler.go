package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"propradar/config"
	"propradar/models"
	"propradar/pipeline"
	"propradar/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

type Scheduler struct {
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator
	store        *storage.SQLiteStore
	cron         *cron.Cron
	ticker       *time.Ticker
	stopCh       chan struct{}

	sweepWorker   Triggerable
	qualityWorker Triggerable
	probeWorker   Triggerable
}

func New(cfg *config.Config, orchestrator *pipeline.Orchestrator, store *storage.SQLiteStore) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(sweep, quality, probe Triggerable) {
	s.sweepWorker = sweep
	s.qualityWorker = quality
	s.probeWorker = probe
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	if s.cfg.Scheduler.SweepCron != "" && s.sweepWorker != nil {
		if _, err := s.cron.AddFunc(s.cfg.Scheduler.SweepCron, s.sweepWorker.Trigger); err != nil {
			return fmt.Errorf("invalid sweep cron expression: %w", err)
		}
	}
	if s.cfg.Scheduler.QualityCron != "" && s.qualityWorker != nil {
		if _, err := s.cron.AddFunc(s.cfg.Scheduler.QualityCron, s.qualityWorker.Trigger); err != nil {
			return fmt.Errorf("invalid quality cron expression: %w", err)
		}
	}

	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.orchestrator.RunAll(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.orchestrator.RunAll(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No scrape schedule configured, daemon will only respond to commands")
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cmds, err := s.store.GetPendingCommands()
			if err != nil {
				log.Printf("Error getting commands: %v", err)
				continue
			}

			for _, cmd := range cmds {
				log.Printf("Processing command: %s", cmd.Command)
				if err := s.handleCommand(ctx, &cmd); err != nil {
					log.Printf("Command error: %v", err)
				}
				if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
					log.Printf("Error marking command processed: %v", err)
				}
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := s.store.ParseCommandParams(cmd)
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}

	switch cmd.Command {
	case models.CmdScrapeNow:
		go s.orchestrator.RunAll(ctx)
		return nil
	case models.CmdScrapeSource:
		source := models.Source(params.Source)
		if !models.ValidSource(source) {
			return fmt.Errorf("unknown source: %s", params.Source)
		}
		go func() {
			if err := s.orchestrator.RunSource(ctx, source); err != nil {
				log.Printf("Run for %s: %v", source, err)
			}
		}()
		return nil
	case models.CmdCancelRun:
		runID, err := uuid.Parse(params.RunID)
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		if !s.orchestrator.CancelRun(runID) {
			return fmt.Errorf("no active run %s", runID)
		}
		return nil
	case models.CmdPause:
		s.orchestrator.Pause()
		return nil
	case models.CmdResume:
		s.orchestrator.Resume()
		return nil
	case models.CmdRunSweep:
		if s.sweepWorker != nil {
			s.sweepWorker.Trigger()
			log.Println("DLQ sweep triggered via command")
		}
		return nil
	case models.CmdRunQuality:
		if s.qualityWorker != nil {
			s.qualityWorker.Trigger()
			log.Println("Quality worker triggered via command")
		}
		return nil
	case models.CmdRunProbe:
		if s.probeWorker != nil {
			s.probeWorker.Trigger()
			log.Println("Proxy probe triggered via command")
		}
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.orchestrator.RunAll(ctx)
}
