package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

var (
	//nolint:gochecknoglobals // Global logger is intentional for application-wide logging
	defaultLogger *slog.Logger
	//nolint:gochecknoglobals // Global initOnce is intentional for thread-safe initialization
	initOnce sync.Once
	//nolint:gochecknoglobals // Global addSource is intentional for configuration
	addSource bool
)

// Options configures the global logger.
type Options struct {
	Level   string
	Format  string
	Source  bool
	Service string
	Output  io.Writer
}

// traceHandler stamps the active span of the record's context onto every record.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
		if spanCtx.IsSampled() {
			r.AddAttrs(slog.Bool("trace_sampled", true))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

// InitLogger initializes the global logger.
// It is safe to call multiple times, but only the first call will take effect.
func InitLogger(opts Options) {
	initOnce.Do(func() {
		addSource = opts.Source

		out := opts.Output
		if out == nil {
			out = os.Stdout
		}

		handlerOpts := &slog.HandlerOptions{
			Level:     parseLevel(opts.Level),
			AddSource: addSource,
		}

		var handler slog.Handler
		if opts.Format == "json" {
			handlerOpts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{Key: "timestamp", Value: a.Value}
				}
				return a
			}
			handler = slog.NewJSONHandler(out, handlerOpts)
		} else {
			handler = slog.NewTextHandler(out, handlerOpts)
		}

		l := slog.New(&traceHandler{Handler: handler})
		if opts.Service != "" {
			l = l.With(slog.String("service", opts.Service))
		}
		defaultLogger = l
	})
}

// DebugContext logs at Debug level with context.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelDebug, msg, attrs)
}

// InfoContext logs at Info level with context.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelInfo, msg, attrs)
}

// WarnContext logs at Warn level with context.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelWarn, msg, attrs)
}

// ErrorContext logs at Error level with context.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelError, msg, attrs)
}

// logAttrs must be called directly from one of the exported level functions
// so that the caller frame skip points at the application code.
func logAttrs(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	if defaultLogger == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	handler := defaultLogger.Handler()
	if !handler.Enabled(ctx, level) {
		return
	}

	var pc uintptr
	if addSource {
		var pcs [1]uintptr
		// runtime.Callers, logAttrs, level function
		runtime.Callers(3, pcs[:])
		pc = pcs[0]
	}

	r := slog.NewRecord(time.Now(), level, msg, pc)
	r.AddAttrs(attrs...)
	_ = handler.Handle(ctx, r)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
