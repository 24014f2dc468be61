package middleware

import (
	"net/http"
	"time"

	"ecotile-bknd/internal/metrics"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type AccessLogger struct {
	logr *zap.Logger
}

// NewAccessLogger creates the per-request access log middleware
func NewAccessLogger(logr *zap.Logger) *AccessLogger {
	return &AccessLogger{logr: logr}
}

// Log writes one line per request once the handler has returned.
func (m *AccessLogger) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", metrics.RoutePattern(r)),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}

		switch {
		case status >= http.StatusInternalServerError:
			m.logr.Error("request", fields...)
		case status >= http.StatusBadRequest:
			m.logr.Warn("request", fields...)
		default:
			m.logr.Info("request", fields...)
		}
	})
}
