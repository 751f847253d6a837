package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field names carried by every recovery log record.
const (
	FieldWorkerID  = "worker_id"
	FieldMsgID     = "msg_id"
	FieldComponent = "component"
)

type Options struct {
	Level string
	JSON  bool
	Out   io.Writer
}

// New builds the process logger. Console output is the default, JSON is opt-in.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str(FieldComponent, name).Logger()
}

// ForWorker returns a child logger for one notification-processing unit.
func ForWorker(logger zerolog.Logger, workerID, notificationID string) zerolog.Logger {
	return logger.With().
		Str(FieldWorkerID, workerID).
		Str("notification_id", notificationID).
		Logger()
}
