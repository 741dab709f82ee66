package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"propradar/config"
	"propradar/logging"
	"propradar/models"
	"propradar/pipeline"
	"propradar/proxy"
	"propradar/realtime"
	"propradar/scheduler"
	"propradar/server"
	"propradar/services"
	"propradar/storage"
	"propradar/workers"
)

var (
	scrapeNow = flag.Bool("scrape", false, "Run scrape once and exit")
)

func main() {
	flag.Parse()

	logFile, err := logging.Setup("daemon.log")
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting propradar...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded %d source configs", len(cfg.Sources))
	for id, src := range cfg.Sources {
		log.Printf("  - %s (%s)", src.Name, id)
	}

	ctx := context.Background()

	// Postgres holds the domain data: listings, runs, DLQ, metrics
	pgStore, err := storage.NewPostgresStore(ctx, cfg.Postgres.DBURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()
	log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.Postgres.DBURL))

	// SQLite holds operational data: the command queue and log mirror
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)

	pool := proxy.NewManager(&cfg.Proxies, pgStore)
	log.Printf("Proxy pool: %d endpoints", len(cfg.Proxies.Endpoints))

	publisher := realtime.NewPublisher(cfg.Realtime)

	runCoordinator := services.NewRunCoordinator(pgStore)
	detector := services.NewDuplicateDetector(pgStore, cfg.Dedup)
	dlq := services.NewDeadLetterQueue(pgStore, cfg.DLQ.MaxRetries, cfg.DLQ.LeaseTTL)
	scorer := services.NewQualityScorer(pgStore, cfg.Quality)

	orchestrator := pipeline.NewOrchestrator(cfg, runCoordinator, dlq, detector, pgStore, pool, publisher, sqliteStore)
	dlq.SetReprocessor(orchestrator.Reprocess)

	log.Println("Services initialized")

	// Handle one-shot commands
	if *scrapeNow {
		log.Println("Running scrape...")
		orchestrator.RunAll(ctx)
		log.Println("Scrape complete!")
		return
	}

	// Daemon mode
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	orchestrator.SetDaemonContext(ctx)

	go publisher.Run(ctx)

	workerLog := func(level models.LogLevel, source, message string) {
		if err := sqliteStore.Log(nil, level, message, source); err != nil {
			log.Printf("Warning: pipeline log: %v", err)
		}
	}

	sweepWorker := workers.NewSweepWorker(dlq, cfg.DLQ.SweepBatch)
	sweepWorker.SetLogger(workerLog)
	go sweepWorker.Run(ctx, 5*time.Minute)
	log.Println("Sweep worker started")

	qualityWorker := workers.NewQualityWorker(scorer)
	qualityWorker.SetLogger(workerLog)
	go qualityWorker.Run(ctx, time.Hour)
	log.Println("Quality worker started")

	probeWorker := workers.NewProbeWorker(pool, cfg.Proxies.ProbeURL, cfg.Pipeline.RequestTimeout)
	probeWorker.SetLogger(workerLog)
	go probeWorker.Run(ctx, cfg.Scheduler.ProbeInterval)
	log.Println("Probe worker started")

	sched := scheduler.New(cfg, orchestrator, sqliteStore)
	sched.SetWorkers(sweepWorker, qualityWorker, probeWorker)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	srv := server.New(cfg.Server.Addr, pgStore, sqliteStore, dlq, pool, publisher)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}
	log.Println("Goodbye!")
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
