// ABOUTME: Audit logging for feed lifecycle and data-destructive events
// ABOUTME: Records registrations, deregistrations, replace deletions, imports, and refreshes

package observability

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventTypeFeed   = "FEED"
	EventTypeUpdate = "UPDATE"
	EventTypeUpload = "UPLOAD"
)

// Audit actions.
const (
	ActionCreate  = "CREATE"
	ActionReplace = "REPLACE"
	ActionDelete  = "DELETE"
	ActionRefresh = "REFRESH"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuditLogger writes one "audit_event" record per feed lifecycle change.
// A nil *AuditLogger discards events.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger creates an audit logger writing to logger.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger, now: time.Now}
}

type auditEvent struct {
	eventType string
	action    string
	actor     string
	feedID    string
	ok        bool
}

func (a *AuditLogger) emit(ctx context.Context, ev auditEvent, extra ...any) {
	if a == nil {
		return
	}

	result := ResultSuccess
	if !ev.ok {
		result = ResultFailure
	}

	args := make([]any, 0, 6+len(extra)+4)
	args = append(args,
		slog.String("event_type", ev.eventType),
		slog.String("action", ev.action),
		slog.String("actor", ev.actor),
		slog.String("resource", ev.feedID),
		slog.String("result", result),
	)
	args = append(args, extra...)
	args = append(args, contextAttrs(ctx)...)
	args = append(args, slog.Time("timestamp", a.now().UTC()))

	a.logger.InfoContext(ctx, "audit_event", args...)
}

// LogFeedRegistered records a registration. replaced is true when an
// existing schedule for the feed was cancelled first.
func (a *AuditLogger) LogFeedRegistered(ctx context.Context, feedID, actor string, interval time.Duration, replaced bool) {
	action := ActionCreate
	if replaced {
		action = ActionReplace
	}
	a.emit(ctx, auditEvent{EventTypeFeed, action, actor, feedID, true},
		slog.Duration("interval", interval),
	)
}

// LogFeedDeregistered records a deregistration, including of unknown feeds.
func (a *AuditLogger) LogFeedDeregistered(ctx context.Context, feedID, actor string, existed bool) {
	a.emit(ctx, auditEvent{EventTypeFeed, ActionDelete, actor, feedID, true},
		slog.Bool("existed", existed),
	)
}

// LogReplaceDeletion records the removal of a feed's stored records ahead
// of a REPLACE write.
func (a *AuditLogger) LogReplaceDeletion(ctx context.Context, feedID string, deleted, incoming int, success bool) {
	a.emit(ctx, auditEvent{EventTypeUpdate, ActionDelete, "system", feedID, success},
		slog.Int("deleted", deleted),
		slog.Int("incoming", incoming),
	)
}

// LogFeedImport records a payload imported from the command line.
func (a *AuditLogger) LogFeedImport(ctx context.Context, feedID, source string, size int64) {
	a.emit(ctx, auditEvent{EventTypeUpload, ActionCreate, "cli", feedID, true},
		slog.String("source", RedactSensitive(source)),
		slog.Int64("size", size),
	)
}

// LogManualRefresh records an out-of-schedule refresh request.
func (a *AuditLogger) LogManualRefresh(ctx context.Context, feedID, actor string, accepted bool) {
	a.emit(ctx, auditEvent{EventTypeFeed, ActionRefresh, actor, feedID, accepted})
}
