package obs

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paygate/internal/common"
)

// NewLogger builds the process logger. format "console" (or "text") gives human output,
// anything else JSON.
func NewLogger(format, level string) zerolog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := w
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// RequestLogger emits one structured line per request and attaches a request-scoped
// logger to the context so downstream code can use zerolog.Ctx.
type RequestLogger struct {
	Logger zerolog.Logger
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqLogger := l.Logger.With().Str("request_id", middleware.GetReqID(ctx)).Logger()
		rec := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(reqLogger.WithContext(ctx)))

		route := routeOf(r)
		if route == "" {
			route = r.URL.Path
		}
		evt := reqLogger.Info()
		if rec.Status() >= http.StatusInternalServerError {
			evt = reqLogger.Error()
		}
		evt = evt.Str("method", r.Method).
			Str("route", route).
			Int("status", rec.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", rec.BytesWritten()).
			Str("remote_ip", common.ClientIP(r))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String())
		}
		if subject, ok := common.Subject(r.Context()); ok {
			evt = evt.Str("caller", subject)
		}
		evt.Msg("http_request")
	})
}

// LeveledLogger adapts zerolog to the Debugf/Infof/Warnf/Errorf interface used by
// provider SDKs.
type LeveledLogger struct {
	Logger zerolog.Logger
}

func (l LeveledLogger) Debugf(format string, v ...interface{}) {
	l.Logger.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l LeveledLogger) Infof(format string, v ...interface{}) {
	l.Logger.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l LeveledLogger) Warnf(format string, v ...interface{}) {
	l.Logger.Warn().Msg(fmt.Sprintf(format, v...))
}

func (l LeveledLogger) Errorf(format string, v ...interface{}) {
	l.Logger.Error().Msg(fmt.Sprintf(format, v...))
}
