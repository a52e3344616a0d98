/**
 * @description
 * Operator notices (the console's toast) and manual-process escalations.
 */
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Level classifies a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one message for the operator.
type Notice struct {
	Level   Level  `json:"level" yaml:"level"`
	Message string `json:"message" yaml:"message"`
}

// Notifier shows notices to the operator.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, notice Notice) {
	level := slog.LevelInfo
	switch notice.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, notice.Message, "component", "notice", "notice_level", string(notice.Level))
}

// WriterNotifier prints notices as single lines, for a terminal.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Notify(_ context.Context, notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "[%s] %s\n", notice.Level, notice.Message)
}
