package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type logFieldsKey struct{}

type logFields struct {
	mu     sync.Mutex
	fields map[string]any
	err    error
}

// AddLogField attaches a key/value pair to the request's completion log
// line. No-op outside a logged request.
func AddLogField(ctx context.Context, key string, value any) {
	lf, ok := ctx.Value(logFieldsKey{}).(*logFields)
	if !ok {
		return
	}
	lf.mu.Lock()
	lf.fields[key] = value
	lf.mu.Unlock()
}

// AddError records the request's failure cause for the completion log
// line.
func AddError(ctx context.Context, err error) {
	lf, ok := ctx.Value(logFieldsKey{}).(*logFields)
	if !ok || err == nil {
		return
	}
	lf.mu.Lock()
	lf.err = err
	lf.mu.Unlock()
}

// RequestLogger logs one structured line per completed request,
// including any fields handlers attached along the way.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lf := &logFields{fields: make(map[string]any)}
			ctx := context.WithValue(r.Context(), logFieldsKey{}, lf)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(ctx),
			}
			lf.mu.Lock()
			for k, v := range lf.fields {
				attrs = append(attrs, k, v)
			}
			err := lf.err
			lf.mu.Unlock()

			if err != nil {
				attrs = append(attrs, "error", err.Error())
				logger.Error("request", attrs...)
				return
			}
			logger.Info("request", attrs...)
		})
	}
}
