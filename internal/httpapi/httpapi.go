// Package httpapi implements the chunk worker's public interface:
// POST /process, GET /status, plus GET /healthz and GET /metrics for
// the process itself.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/phaseengine"
)

var validate = validator.New()

// processRequest is the POST /process body.
type processRequest struct {
	BatchID string       `json:"batch_id" validate:"required"`
	ChunkID string       `json:"chunk_id" validate:"required"`
	PIs     []pisRequest `json:"pis" validate:"required,dive"`
}

type pisRequest struct {
	PI string `json:"pi" validate:"required"`
}

// Server wires the Engine behind an HTTP router.
type Server struct {
	engine *phaseengine.Engine
	logger *zap.Logger
}

// New constructs a Server.
func New(engine *phaseengine.Engine, logger *zap.Logger) *Server {
	return &Server{engine: engine, logger: logger}
}

// Router builds the chi router for this server: request ID, structured
// request logging, panic recovery, CORS, then the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Post("/process", s.handleProcess)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("request",
				zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type acceptedResponse struct {
	Status    string `json:"status"`
	ChunkID   string `json:"chunk_id"`
	TotalPIs  int    `json:"total_pis"`
	TotalRefs int    `json:"total_refs"`
}

type alreadyProcessingResponse struct {
	Status  string `json:"status"`
	ChunkID string `json:"chunk_id"`
	Phase   string `json:"phase"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pis := make([]string, 0, len(req.PIs))
	for _, pi := range req.PIs {
		pis = append(pis, pi.PI)
	}

	result, err := s.engine.Accept(r.Context(), req.BatchID, req.ChunkID, pis)
	if err != nil {
		s.logger.Error("accept failed", zap.String("batch_id", req.BatchID), zap.String("chunk_id", req.ChunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to accept chunk")
		return
	}

	if result.AlreadyProcessing {
		writeJSON(w, http.StatusOK, alreadyProcessingResponse{
			Status: "already_processing", ChunkID: req.ChunkID, Phase: string(result.Phase),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status: "accepted", ChunkID: req.ChunkID, TotalPIs: result.TotalPIs, TotalRefs: 0,
	})
}

type progressResponse struct {
	TotalRefs int `json:"total_refs"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

type backoffResponse struct {
	ConsecutiveErrors int     `json:"consecutive_errors"`
	BackoffUntil      *string `json:"backoff_until,omitempty"`
}

type statusResponse struct {
	Status   string           `json:"status"`
	Phase    string           `json:"phase,omitempty"`
	Progress progressResponse `json:"progress,omitempty"`
	Backoff  backoffResponse  `json:"backoff,omitempty"`
	Error    string           `json:"error,omitempty"`
	DebugLog []string         `json:"debug_log,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	chunkID := r.URL.Query().Get("chunk_id")
	if batchID == "" || chunkID == "" {
		writeError(w, http.StatusBadRequest, "batch_id and chunk_id are required")
		return
	}

	key := chunkstate.Key{BatchID: batchID, ChunkID: chunkID}
	result, err := s.engine.Status(r.Context(), key)
	if err != nil {
		s.logger.Error("status failed", zap.String("batch_id", batchID), zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusOK, statusResponse{Status: "not_found"})
		return
	}

	resp := statusResponse{
		Phase: string(result.Phase),
		Progress: progressResponse{
			TotalRefs: result.Progress.TotalRefs, Completed: result.Progress.Completed,
			Failed: result.Progress.Failed, Skipped: result.Progress.Skipped, Pending: result.Progress.Pending,
		},
		Backoff:  backoffResponse{ConsecutiveErrors: result.Backoff.ConsecutiveErrors},
		Error:    result.Error,
		DebugLog: result.DebugLog,
	}
	if result.Backoff.BackoffUntil != nil {
		formatted := result.Backoff.BackoffUntil.Format(time.RFC3339)
		resp.Backoff.BackoffUntil = &formatted
	}
	switch result.Phase {
	case chunkstate.PhaseDone:
		resp.Status = "done"
	case chunkstate.PhaseError:
		resp.Status = "error"
	default:
		resp.Status = "processing"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// shutdownTimeout bounds graceful shutdown, used by cmd/chunkworker.
const shutdownTimeout = 10 * time.Second

// Shutdown gracefully stops srv, bounded by shutdownTimeout.
func Shutdown(ctx context.Context, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
