// Package server exposes the fieldsync HTTP API and WebSocket event
// stream: schedule CRUD and triggering, execution history, batch
// submission and control, and progress snapshots.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/batch"
	"github.com/fieldsync/fieldsync/schedule"
	"github.com/fieldsync/fieldsync/version"
)

// Server is the fieldsync API server
type Server struct {
	schedules  *schedule.Store
	executions *schedule.ExecutionStore
	queue      *batch.Queue
	executor   *batch.Executor
	ticker     *schedule.Ticker
	logger     *zap.SugaredLogger

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[*Client]bool
}

// New creates a fieldsync server listening on addr
func New(addr string, schedules *schedule.Store, executions *schedule.ExecutionStore, queue *batch.Queue, executor *batch.Executor, ticker *schedule.Ticker, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		schedules:  schedules,
		executions: executions,
		queue:      queue,
		executor:   executor,
		ticker:     ticker,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[*Client]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/api/batches", s.handleBatches)
	mux.HandleFunc("/api/batches/", s.handleBatchByID)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// AttachTicker wires the scheduler loop in after construction. The
// server is the ticker's broadcaster, so the two are created in
// sequence and joined here before Start.
func (s *Server) AttachTicker(t *schedule.Ticker) {
	s.ticker = t
}

// Start begins serving and launches the event broadcaster.
// Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.startEventBroadcaster()

	s.logger.Infow("Server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infow("Server stopped")
	return err
}

type statusResponse struct {
	Version   version.Info         `json:"version"`
	Scheduler schedule.TickerStats `json:"scheduler"`
	Executor  batch.SystemMetrics  `json:"executor"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	resp := statusResponse{Version: version.Get()}
	if s.ticker != nil {
		resp.Scheduler = s.ticker.GetStats()
	}
	if s.executor != nil {
		resp.Executor = s.executor.GetSystemMetrics()
	}
	writeJSON(w, http.StatusOK, resp)
}
