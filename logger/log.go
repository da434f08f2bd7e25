package logger

import (
	"context"
	"io"
	"log/slog"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"
	"github.com/klipach/firebridge/log"
)

const logName = "firebridge"

// New returns a Cloud Logging backed logger when running on GCP and a structured
// JSON logger writing to fallback otherwise. The returned func flushes and closes the client.
func New(ctx context.Context, fallback io.Writer, level slog.Leveler) (*slog.Logger, func() error) {
	if !metadata.OnGCE() {
		return slog.New(log.NewCloudLoggingHandlerTo(fallback, level)), func() error { return nil }
	}
	projectID, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		l := slog.New(log.NewCloudLoggingHandlerTo(fallback, level))
		l.Warn("failed to get project ID, logging to stream", log.Err(err))
		return l, func() error { return nil }
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		l := slog.New(log.NewCloudLoggingHandlerTo(fallback, level))
		l.Warn("failed to create logging client, logging to stream", log.Err(err))
		return l, func() error { return nil }
	}
	h := &handler{logger: client.Logger(logName), level: level}
	return slog.New(h), client.Close
}

type handler struct {
	logger *logging.Logger
	level  slog.Leveler
	attrs  []slog.Attr
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	payload := make(map[string]any, len(h.attrs)+r.NumAttrs()+1)
	for _, attr := range h.attrs {
		payload[attr.Key] = attr.Value.Resolve().Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		payload[attr.Key] = attr.Value.Resolve().Any()
		return true
	})
	payload["message"] = r.Message
	h.logger.Log(logging.Entry{
		Timestamp: r.Time,
		Severity:  severity(r.Level),
		Payload:   payload,
	})
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &handler{logger: h.logger, level: h.level, attrs: newAttrs}
}

func (h *handler) WithGroup(_ string) slog.Handler {
	return h
}

func severity(level slog.Level) logging.Severity {
	switch {
	case level >= slog.LevelError:
		return logging.Error
	case level >= slog.LevelWarn:
		return logging.Warning
	case level >= slog.LevelInfo:
		return logging.Info
	default:
		return logging.Debug
	}
}
