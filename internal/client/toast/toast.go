package toast

import "log/slog"

// Toaster surfaces short user-facing status messages
type Toaster interface {
	Info(msg string)
	Error(msg string, err error)
}

// Logger writes toasts to a structured logger
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a toaster backed by logger
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Info logs an informational toast
func (l *Logger) Info(msg string) {
	l.logger.Info(msg, "toast", true)
}

// Error logs a failure toast
func (l *Logger) Error(msg string, err error) {
	if err != nil {
		l.logger.Error(msg, "toast", true, "error", err)
		return
	}
	l.logger.Error(msg, "toast", true)
}

// Discard drops every toast
type Discard struct{}

func (Discard) Info(string)         {}
func (Discard) Error(string, error) {}
