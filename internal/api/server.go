package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
	"github.com/JakeFAU/lockstep-crawler/internal/metrics"
)

const requestTimeout = 10 * time.Second

// StatusProvider is the view of the controller the server reads from.
type StatusProvider interface {
	State() crawler.CrawlState
	LastRound() (crawler.RoundResult, bool)
	RunID() string
}

// Server wires HTTP handlers to the crawl controller.
type Server struct {
	router chi.Router
	status StatusProvider
	logger *zap.Logger
}

type stateResponse struct {
	RunID string `json:"run_id"`
	crawler.CrawlState
}

type linksResponse struct {
	RunID string `json:"run_id"`
	crawler.RoundResult
}

// NewServer constructs a Server with middleware and routes.
func NewServer(status StatusProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		status: status,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawl", func(r chi.Router) {
		r.Get("/", s.getState)
		r.Get("/links", s.getLinks)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports 503 once the crawl has aborted.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.status.State()
	if state.Phase == crawler.PhaseAborted {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(state.Phase)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "phase": string(state.Phase)})
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, stateResponse{RunID: s.status.RunID(), CrawlState: s.status.State()})
}

func (s *Server) getLinks(w http.ResponseWriter, r *http.Request) {
	round, ok := s.status.LastRound()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no round completed yet")
		return
	}
	if raw := r.URL.Query().Get("rank"); raw != "" {
		rank, err := strconv.Atoi(raw)
		if err != nil || rank < 0 {
			s.writeError(w, http.StatusBadRequest, "rank must be a non-negative integer")
			return
		}
		filtered := make(crawler.LinkTable, 0, len(round.Table))
		for _, l := range round.Table {
			if l.Rank == rank {
				filtered = append(filtered, l)
			}
		}
		round.Table = filtered
	}
	if round.Table == nil {
		round.Table = crawler.LinkTable{}
	}
	s.writeJSON(w, http.StatusOK, linksResponse{RunID: s.status.RunID(), RoundResult: round})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
