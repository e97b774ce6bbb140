package audit

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusLogger emits each event as a structured logrus entry. Denials are
// logged at Warn, everything else at Info.
type LogrusLogger struct {
	baseLogger
	logger *logrus.Logger
}

// NewLogrusLogger wraps logger
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	l := &LogrusLogger{logger: logger}
	l.baseLogger = baseLogger{w: l}
	return l
}

func (l *LogrusLogger) Log(_ context.Context, event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.PrincipalID != "" {
		fields["principal_id"] = event.PrincipalID
	}
	if len(event.Permissions) > 0 {
		fields["permissions"] = strings.Join(event.Permissions, ",")
	}
	if event.ResourceType != "" {
		fields["resource_type"] = string(event.ResourceType)
		fields["resource_id"] = event.ResourceID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := l.logger.WithFields(fields).WithTime(event.Timestamp)
	if event.Status == EventStatusSuccess {
		entry.Info(event.Message)
	} else {
		entry.Warn(event.Message)
	}
	return nil
}

func (l *LogrusLogger) Close() error { return nil }
