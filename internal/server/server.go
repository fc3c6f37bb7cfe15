// Package server exposes the orchestration kernel over HTTP: triggering runs,
// querying node states, tailing artifacts and deciding approvals.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pipewright/internal/approval"
	"pipewright/internal/config"
	"pipewright/internal/core"
	"pipewright/internal/journal"
	"pipewright/internal/storage"
)

// Server is the control plane. It owns the run registry; each triggered run
// gets its own scheduler goroutine holding that run's state exclusively.
type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *storage.Store
	gate    *approval.Manager
	journal *journal.Journal
	sched   *core.Scheduler

	httpServer *http.Server

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	run    *core.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the kernel components from configuration.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(cfg.ArtifactRoot, log.Named("storage"))
	gate := approval.NewManager(policies(cfg), log.Named("approval"))
	exec := core.NewExecutor(cfg.CancelGrace.Std())
	runner := core.NewRunner(exec, store, log.Named("runner"))
	sched := core.NewScheduler(core.SchedulerOptions{
		Workers:   cfg.Workers,
		Grace:     cfg.CancelGrace.Std(),
		Runner:    runner,
		Approvals: gate,
		Journal:   jnl,
		Logger:    log.Named("scheduler"),
	})

	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		gate:    gate,
		journal: jnl,
		sched:   sched,
		runs:    make(map[string]*activeRun),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func policies(cfg *config.Config) map[string]approval.Policy {
	out := make(map[string]approval.Policy, len(cfg.Environments))
	for _, env := range cfg.Environments {
		out[env.Name] = approval.Policy{
			Required:  env.Approval == "required",
			Approvers: env.Approvers,
			Timeout:   env.ApprovalTimeout.Std(),
		}
	}
	return out
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleTrigger)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.Get("/runs/{runID}/journal", s.handleRunJournal)
		r.Get("/runs/{runID}/nodes/{node}/artifacts", s.handleListArtifacts)
		r.Get("/runs/{runID}/nodes/{node}/artifacts/{name}", s.handleReadArtifact)
		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{requestID}", s.handleDecide)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("control plane listening", zap.String("addr", s.cfg.Listen))
	return s.httpServer.ListenAndServe()
}

// Shutdown cancels active runs, waits for them within the context deadline,
// then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var waiting []*activeRun
	for _, ar := range s.runs {
		if !ar.run.Status().Terminal() {
			ar.cancel()
			waiting = append(waiting, ar)
		}
	}
	s.mu.Unlock()

	for _, ar := range waiting {
		select {
		case <-ar.done:
		case <-ctx.Done():
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// startRun registers the run and launches its scheduler goroutine.
func (s *Server) startRun(run *core.Run, p *core.Pipeline, g *core.Graph) {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.runs[run.ID] = ar
	s.mu.Unlock()

	go func() {
		defer close(ar.done)
		defer cancel()
		if err := s.sched.Execute(ctx, run, p, g); err != nil && err != context.Canceled {
			s.log.Error("run execution error", zap.String("run", run.ID), zap.Error(err))
		}
		// Withdraw any approval still pending for this run.
		s.gate.CancelRun(run.ID)
	}()
}

func (s *Server) lookupRun(id string) (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.runs[id]
	return ar, ok
}
