// Package safety records block/report actions. The relay only does the
// bookkeeping; enforcement and review live outside the core.
package safety

import (
	"context"
	"log/slog"
)

type Log struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

func (l *Log) Block(ctx context.Context, reporter, target string) {
	l.log.Info("user_blocked", "reporter", reporter, "target", target)
}

func (l *Log) Report(ctx context.Context, reporter, target, reason string) {
	l.log.Warn("user_reported", "reporter", reporter, "target", target, "reason", reason)
}
