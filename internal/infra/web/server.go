package web

import (
	"net/http"
	"time"

	"plate-solver-service/internal/infra/logging"
	"plate-solver-service/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes the solve API over HTTP.
type Server struct {
	jobUC *usecase.JobUseCase
	log   *zerolog.Logger
}

func NewServer(jobUC *usecase.JobUseCase, logger *zerolog.Logger) *Server {
	webLog := logger.With().Str("component", "WebServer").Logger()
	return &Server{jobUC: jobUC, log: &webLog}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/queue", s.handleQueueStatus)
	r.Post("/solve", s.handleSolve)
	r.Get("/job/{id}", s.handleGetJob)
	r.Delete("/job/{id}", s.handleCancelJob)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.With(ctx, s.log).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
