package formguard

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink is an [AuditSink] that writes guard decisions as structured
// log entries. Denials and failures log at warn, the rest at info.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger into an audit sink. A nil logger yields a
// sink that discards events.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Emit implements [AuditSink].
func (s *ZapSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.logger == nil {
		return
	}

	fields := make([]zap.Field, 0, 8)
	fields = append(fields,
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
	)
	if event.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", event.TenantID))
	}
	if event.Principal != "" {
		fields = append(fields, zap.String("principal", event.Principal))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta_"+k, v))
	}

	if event.Success {
		s.logger.Info("guard decision", fields...)
		return
	}
	s.logger.Warn("guard decision", fields...)
}
