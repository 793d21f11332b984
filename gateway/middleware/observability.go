package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"credify/observability"
)

// Observability traces each request and feeds the shared module metrics.
type Observability struct {
	module      string
	logger      *slog.Logger
	tracer      trace.Tracer
	logRequests bool
}

func NewObservability(module string, logRequests bool, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if module == "" {
		module = "gateway"
	}
	return &Observability{
		module:      module,
		logger:      logger,
		tracer:      otel.Tracer("credify/" + module),
		logRequests: logRequests,
	}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.Status))
			span.End()
			elapsed := time.Since(start)
			observability.ModuleMetrics().Observe(o.module, route, recorder.Status, elapsed)
			if o.logRequests {
				o.logger.Info("request served",
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", recorder.Status),
					slog.Duration("duration", elapsed))
			}
		})
	}
}

// StatusRecorder captures the status written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (s *StatusRecorder) WriteHeader(code int) {
	s.Status = code
	s.ResponseWriter.WriteHeader(code)
}
