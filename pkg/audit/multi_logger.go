package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiLogger writes every event to each of its loggers in order. A failing
// sink does not stop the others.
type MultiLogger struct {
	baseLogger
	loggers []Logger
}

// NewMultiLogger creates a logger fanning out to loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{loggers: loggers}
	m.baseLogger = baseLogger{w: m}
	return m
}

// Log writes event to every sink and joins their errors
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}
