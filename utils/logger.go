package utils

import (
	"log/slog"
	"os"
	"sync"

	"github.com/mdobak/go-xerrors"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// GetLogger returns the process-wide JSON logger.
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		if GetEnv("LOG_LEVEL", "info") == "debug" {
			level = slog.LevelDebug
		}
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr,
		})
		logger = slog.New(handler)
	})
	return logger
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	err, ok := a.Value.Any().(error)
	if !ok {
		return a
	}
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return slog.String(a.Key, err.Error())
	}
	frames := trace.Frames()
	out := make([]stackFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, stackFrame{Func: f.Function, Source: f.File, Line: f.Line})
	}
	return slog.Group(a.Key,
		slog.String("msg", err.Error()),
		slog.Any("trace", out),
	)
}
