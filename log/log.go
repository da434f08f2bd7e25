package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const ErrorMsgLogField = "errorMsg"

type ctxKey struct{}

type traceKey struct{}

// CloudLoggingHandler is a slog.Handler that writes Google Cloud structured log lines.
type CloudLoggingHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
}

// NewCloudLoggingHandler creates a handler writing to stdout at debug level.
func NewCloudLoggingHandler() *CloudLoggingHandler {
	return NewCloudLoggingHandlerTo(os.Stdout, slog.LevelDebug)
}

// NewCloudLoggingHandlerTo creates a handler writing to w. Records below level are dropped.
func NewCloudLoggingHandlerTo(w io.Writer, level slog.Leveler) *CloudLoggingHandler {
	return &CloudLoggingHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Handle processes log records.
func (h *CloudLoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"severity": severity(r.Level),
		"time":     r.Time.Format(time.RFC3339),
		"message":  r.Message,
	}
	if r.Time.IsZero() {
		entry["time"] = time.Now().Format(time.RFC3339)
	}

	if traceID := getTraceID(ctx); traceID != "" {
		entry["logging.googleapis.com/trace"] = traceID
	}

	// handler attributes first, record attributes win on conflicts
	for _, attr := range h.attrs {
		entry[attr.Key] = attr.Value.Resolve().Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		entry[attr.Key] = attr.Value.Resolve().Any()
		return true
	})

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	jsonData = append(jsonData, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(jsonData)
	return err
}

func (h *CloudLoggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// WithAttrs returns a new handler with additional attributes.
func (h *CloudLoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudLoggingHandler{mu: h.mu, w: h.w, level: h.level, attrs: newAttrs}
}

// WithGroup returns the same handler, as grouping is not implemented.
func (h *CloudLoggingHandler) WithGroup(_ string) slog.Handler {
	return h
}

// severity maps slog levels to Cloud Logging severities.
func severity(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func getTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.New(NewCloudLoggingHandler())
}

// Err is the attribute every error log line carries.
func Err(err error) slog.Attr {
	return slog.String(ErrorMsgLogField, err.Error())
}
