// Package logging wraps a process-wide zap logger and carries a
// request-scoped child logger through the request context.
package logging

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string // debug, info, warn, error; unknown values mean info
	Format string // json or console
	Output string // stdout, stderr or a file path; empty means stderr
}

type ctxKey struct{}

type reqScope struct {
	id     string
	logger *zap.Logger
}

var global = zap.NewNop()

// Init replaces the global logger.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zc.OutputPaths = []string{cfg.Output}
	}

	logger, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	global = logger
	return nil
}

// InitNop discards everything. Tests call it.
func InitNop() {
	global = zap.NewNop()
}

// Sync flushes buffered entries.
func Sync() error {
	return global.Sync()
}

// L returns the global logger.
func L() *zap.Logger {
	return global
}

// WithContext returns the request logger stored in ctx, or the global one.
func WithContext(ctx context.Context) *zap.Logger {
	if s, ok := ctx.Value(ctxKey{}).(reqScope); ok {
		return s.logger
	}
	return global
}

// WithRequestID stores id and a logger tagged with it in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqScope{
		id:     id,
		logger: WithContext(ctx).With(zap.String("request_id", id)),
	})
}

// GetRequestID returns the id stored by WithRequestID.
func GetRequestID(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(reqScope)
	return s.id
}

func Debug(msg string, fields ...zap.Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { global.Error(msg, fields...) }

// Incoming ids are echoed and logged, so only plain tokens are kept.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); requestIDPattern.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
	started bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.started {
		s.status = code
		s.started = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.started = true
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Middleware tags the request with an id and logs its outcome. The query
// string is never logged because it may carry ?token=.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)
		r = r.WithContext(WithRequestID(r.Context(), id))
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		logger := WithContext(r.Context())
		logger.Debug("request started",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()))

		next.ServeHTTP(rec, r)

		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("size", rec.written),
			zap.Duration("duration", time.Since(start)))
	})
}
