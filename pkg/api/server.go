// Package api exposes the storage coordinator and operation scheduler over
// HTTP. Every mutating route goes through the scheduler so conflict and
// priority rules hold no matter who calls.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/coordinator"
	"github.com/syncstore/syncstore/internal/health"
	"github.com/syncstore/syncstore/internal/scheduler"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`

	// MaxBodyBytes caps request bodies; zero means 4 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultServerConfig returns the defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
		MaxBodyBytes: 4 << 20,
	}
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	coord      *coordinator.Coordinator
	sched      *scheduler.Scheduler
	checker    *health.Checker
	logger     *zap.Logger
	config     ServerConfig
}

// NewServer wires the routes. The health checker is optional.
func NewServer(config ServerConfig, coord *coordinator.Coordinator, sched *scheduler.Scheduler, checker *health.Checker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 4 << 20
	}

	s := &Server{
		coord:   coord,
		sched:   sched,
		checker: checker,
		logger:  logger.With(zap.String("component", "api")),
		config:  config,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/items/{key...}", s.handleGet)
	mux.HandleFunc("PUT /v1/items/{key...}", s.handlePut)
	mux.HandleFunc("DELETE /v1/items/{key...}", s.handleDelete)
	mux.HandleFunc("GET /v1/keys", s.handleListKeys)

	mux.HandleFunc("POST /v1/batch/get", s.handleBatchGet)
	mux.HandleFunc("POST /v1/batch/set", s.handleBatchSet)
	mux.HandleFunc("POST /v1/batch/delete", s.handleBatchDelete)

	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/clear", s.handleClear)
	mux.HandleFunc("POST /v1/rollback", s.handleRollback)
	mux.HandleFunc("GET /v1/conflicts", s.handleConflicts)
	mux.HandleFunc("POST /v1/conflicts/resolve", s.handleResolveConflict)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("DELETE /v1/queue", s.handleClearQueue)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Start blocks serving requests.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground serves in a goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Item handlers

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpLoad,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			item, err := s.coord.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			return json.Marshal(item)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondRaw(w, http.StatusOK, result.Data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpUpload,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			meta, err := s.coord.Set(ctx, key, body)
			if err != nil {
				return nil, err
			}
			return json.Marshal(meta)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondRaw(w, http.StatusOK, result.Data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpDelete,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			return nil, s.coord.Delete(ctx, key)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.coord.ListKeys(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.respondOperationError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// Batch handlers

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		return
	}

	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpLoad,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			items, err := s.coord.GetMultiple(ctx, req.Keys)
			if err != nil {
				return nil, err
			}
			return json.Marshal(items)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondRaw(w, http.StatusOK, result.Data)
}

func (s *Server) handleBatchSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Values map[string]json.RawMessage `json:"values"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		return
	}

	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpUpload,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			return nil, s.coord.SetMultiple(ctx, req.Values)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"stored": len(req.Values)})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		return
	}

	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpDelete,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			return nil, s.coord.DeleteMultiple(ctx, req.Keys)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": len(req.Keys)})
}

// Sync and maintenance handlers

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpSync,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			status, err := s.coord.SyncAll(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(status)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondRaw(w, http.StatusOK, result.Data)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	result := s.sched.Execute(r.Context(), scheduler.Request{
		Type: types.OpClear,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			return nil, s.coord.Clear(ctx)
		},
	})
	if !result.Success {
		s.respondOperationError(w, result.Err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"cleared": true, "operation_id": result.OperationID})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperationID string `json:"operation_id"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		return
	}
	if req.OperationID == "" {
		s.respondError(w, http.StatusBadRequest, "operation_id is required")
		return
	}

	snap, err := s.sched.RollbackTo(r.Context(), req.OperationID)
	if err != nil {
		s.respondOperationError(w, err)
		return
	}
	if snap == nil {
		s.respondError(w, http.StatusNotFound, "no snapshot for operation "+req.OperationID)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := s.coord.Conflicts()
	if conflicts == nil {
		conflicts = []types.Conflict{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key     string `json:"key"`
		Adapter string `json:"adapter"`
		Winner  string `json:"winner"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		return
	}

	if err := s.coord.ResolveManually(r.Context(), req.Key, req.Adapter, req.Winner); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"resolved": req.Key})
}

// Introspection handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	dropped := s.sched.ClearQueue()
	s.respondJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.coord.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "unknown", "note": "health checking not configured"})
		return
	}

	report := s.checker.Report()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, report)
}

// Helpers

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return err
	}
	return nil
}

// respondOperationError maps structured error codes to HTTP status codes.
func (s *Server) respondOperationError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeKeyNotFound:
		code = http.StatusNotFound
	case errors.ErrCodeValidationFailed, errors.ErrCodeQuotaExceeded:
		code = http.StatusBadRequest
	case errors.ErrCodeConflictTimeout, errors.ErrCodeQueueCleared:
		code = http.StatusConflict
	case errors.ErrCodeAdapterUnavailable, errors.ErrCodeAllAdaptersFailed:
		code = http.StatusServiceUnavailable
	case errors.ErrCodeOperationCanceled:
		code = 499
	}

	var payload any
	var structured *errors.Error
	if errors.As(err, &structured) {
		payload = structured
	} else {
		payload = map[string]string{"error": err.Error()}
	}
	s.respondJSON(w, code, payload)
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respondJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) respondRaw(w http.ResponseWriter, code int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
