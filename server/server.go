package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"propradar/models"
	"propradar/proxy"
	"propradar/realtime"
	"propradar/services"
	"propradar/storage"
)

// Server is the operator API: run history, DLQ triage, proxy state,
// quality trends and the realtime stream.
type Server struct {
	addr      string
	pg        *storage.PostgresStore
	sqlite    *storage.SQLiteStore
	dlq       *services.DeadLetterQueue
	pool      proxy.Pool
	publisher *realtime.Publisher
	httpSrv   *http.Server
}

func New(addr string, pg *storage.PostgresStore, sqlite *storage.SQLiteStore, dlq *services.DeadLetterQueue, pool proxy.Pool, publisher *realtime.Publisher) *Server {
	return &Server{
		addr:      addr,
		pg:        pg,
		sqlite:    sqlite,
		dlq:       dlq,
		pool:      pool,
		publisher: publisher,
	}
}

func (s *Server) Start() error {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/dlq", s.handleDLQ).Methods(http.MethodGet)
	api.HandleFunc("/dlq/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/proxies", s.handleProxies).Methods(http.MethodGet)
	api.HandleFunc("/proxies/reactivate", s.handleReactivate).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/scrape", s.handleScrape).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("HTTP server listening on %s", s.addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pg.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.Unresolved(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.dlq.Resolve(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.pool.Reactivate(body.URL); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reactivated"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.URL.Query().Get("source"))
	if !models.ValidSource(source) {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}
	metrics, err := s.pg.ListQualityMetrics(r.Context(), source, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.sqlite.RecentLogs(200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleScrape enqueues a scrape command; the scheduler picks it up on
// its next poll. Keeps HTTP requests from blocking on a full run.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var err error
	if body.Source == "" || body.Source == string(models.SourceAll) {
		err = s.sqlite.EnqueueCommand(models.CmdScrapeNow, nil)
	} else {
		if !models.ValidSource(models.Source(body.Source)) {
			writeError(w, http.StatusBadRequest, "unknown source")
			return
		}
		err = s.sqlite.EnqueueCommand(models.CmdScrapeSource, &models.CommandParams{Source: body.Source})
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.publisher.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
