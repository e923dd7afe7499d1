package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/quangman2211/ebay-manager-sub002/automation"
	"github.com/quangman2211/ebay-manager-sub002/internal/logger"
)

// Server wires the automation engine and its stores behind an HTTP API:
// event ingestion, rule management, rule preview, and execution
// statistics.
type Server struct {
	db       *sql.DB
	engine   *automation.Engine
	rules    automation.RuleStore
	threads  automation.ThreadStore
	recorder automation.ExecutionRecorder
	router   *chi.Mux
	log      *slog.Logger
}

// NewServer connects to Postgres and assembles the stores and engine.
func NewServer(databaseURL string, log *slog.Logger) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	rules := automation.NewPostgresRuleStore(db)
	threads := automation.NewPostgresThreadStore(db)
	renderer := automation.NewPostgresTemplateStore(db)
	recorder := automation.NewPostgresRecorder(db)

	engine, err := automation.NewEngine(rules, threads, renderer, recorder,
		automation.WithLogger(log))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	s := &Server{
		db:       db,
		engine:   engine,
		rules:    rules,
		threads:  threads,
		recorder: recorder,
		log:      log,
	}
	s.setupRoutes()
	return s, nil
}

// newServerWith assembles a server over explicit collaborators. Used by
// tests with in-memory stores.
func newServerWith(engine *automation.Engine, rules automation.RuleStore, threads automation.ThreadStore, recorder automation.ExecutionRecorder, log *slog.Logger) *Server {
	s := &Server{
		engine:   engine,
		rules:    rules,
		threads:  threads,
		recorder: recorder,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	// Event ingestion and previews
	r.Post("/api/v1/events", s.handleEvent)
	r.Post("/api/v1/rules/test", s.handleTestRule)
	r.Post("/api/v1/threads/{threadId}/scan", s.handleThreadScan)

	// Rule management
	r.Route("/api/v1/accounts/{accountId}/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Get("/executions", s.handleRuleExecutions)
			r.Get("/stats", s.handleRuleStats)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleEvent runs one automation pass for an inbound event.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.AccountID == "" || req.ThreadID == "" {
		respondError(w, http.StatusBadRequest, "account_id and thread_id are required", nil)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	start := time.Now()
	var outcomes []*automation.RuleOutcome
	var err error
	if req.DryRun {
		outcomes, err = s.engine.DryRun(r.Context(), &req.EventContext)
	} else {
		outcomes, err = s.engine.Process(r.Context(), &req.EventContext)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "automation pass failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ProcessResponse{
		Outcomes:       toOutcomeResponses(outcomes),
		EvaluationTime: time.Since(start).String(),
	})
}

// handleThreadScan runs an overdue sweep for one thread: an event with
// no message fields, timestamped now.
func (s *Server) handleThreadScan(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadId")

	thread, err := s.threads.GetThread(r.Context(), threadID)
	if err != nil {
		respondError(w, http.StatusNotFound, "thread not found", err)
		return
	}

	ec := &automation.EventContext{
		AccountID: thread.AccountID,
		ThreadID:  thread.ID,
		Timestamp: time.Now(),
	}
	outcomes, err := s.engine.Process(r.Context(), ec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "automation pass failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ProcessResponse{Outcomes: toOutcomeResponses(outcomes)})
}

// handleTestRule previews a candidate rule against a sample context
// without saving or executing anything.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := ruleFromRequest(&req.Rule, "", "candidate")
	outcome, err := s.engine.TestRule(r.Context(), rule, &req.Context)
	if err != nil {
		respondError(w, http.StatusBadRequest, "rule test failed", err)
		return
	}

	respondJSON(w, http.StatusOK, toOutcomeResponses([]*automation.RuleOutcome{outcome})[0])
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := ruleFromRequest(&req, accountID, uuid.New().String())
	if err := automation.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.rules.Add(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to add rule", err)
		return
	}
	s.engine.InvalidateRules(accountID)

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	rules, err := s.rules.List(r.Context(), accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []*automation.Rule{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.rules.Get(r.Context(), accountID, ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := ruleFromRequest(&req, accountID, ruleID)
	if err := automation.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.rules.Update(r.Context(), rule); err != nil {
		respondError(w, http.StatusNotFound, "failed to update rule", err)
		return
	}
	s.engine.InvalidateRules(accountID)

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.rules.Delete(r.Context(), accountID, ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	s.engine.InvalidateRules(accountID)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleExecutions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	ruleID := chi.URLParam(r, "ruleId")

	if _, err := s.rules.Get(r.Context(), accountID, ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.recorder.Recent(r.Context(), ruleID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": toExecutionResponses(records)})
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	ruleID := chi.URLParam(r, "ruleId")

	if _, err := s.rules.Get(r.Context(), accountID, ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	stats, err := s.recorder.Stats(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to aggregate executions", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func ruleFromRequest(req *RuleRequest, accountID, id string) *automation.Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &automation.Rule{
		ID:                id,
		AccountID:         accountID,
		Name:              req.Name,
		TriggerType:       req.TriggerType,
		TriggerConditions: req.TriggerConditions,
		ActionType:        req.ActionType,
		ActionConfig:      req.ActionConfig,
		Active:            active,
		Priority:          req.Priority,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	log := logger.New()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	server, err := NewServer(databaseURL, log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
