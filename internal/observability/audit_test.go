// ABOUTME: Tests for feed audit logging
// ABOUTME: Validates event types, actions, and request ids in audit records

package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func auditRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}
	return result
}

func TestAuditLogger_LogFeedRegistered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		replaced   bool
		wantAction string
	}{
		{name: "new feed", replaced: false, wantAction: ActionCreate},
		{name: "re-registration", replaced: true, wantAction: ActionReplace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

			ctx := WithRequestID(context.Background(), "req-1")
			al.LogFeedRegistered(ctx, "urlhaus", "nats", time.Minute, tt.replaced)

			result := auditRecord(t, &buf)
			if result["event_type"] != EventTypeFeed {
				t.Errorf("event_type = %v, want %s", result["event_type"], EventTypeFeed)
			}
			if result["action"] != tt.wantAction {
				t.Errorf("action = %v, want %s", result["action"], tt.wantAction)
			}
			if result["resource"] != "urlhaus" || result["actor"] != "nats" {
				t.Errorf("resource/actor = %v/%v", result["resource"], result["actor"])
			}
			if result["request_id"] != "req-1" {
				t.Errorf("request_id = %v, want req-1", result["request_id"])
			}
			if _, ok := result["run_id"]; ok {
				t.Error("run_id should be absent outside a run")
			}
		})
	}
}

func TestAuditLogger_LogFeedDeregistered(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogFeedDeregistered(context.Background(), "urlhaus", "api", false)

	result := auditRecord(t, &buf)
	if result["action"] != ActionDelete {
		t.Errorf("action = %v, want DELETE", result["action"])
	}
	if result["existed"] != false {
		t.Errorf("existed = %v, want false", result["existed"])
	}
}

func TestAuditLogger_LogReplaceDeletion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogReplaceDeletion(context.Background(), "f1", 12, 10, false)

	result := auditRecord(t, &buf)
	if result["event_type"] != EventTypeUpdate {
		t.Errorf("event_type = %v, want UPDATE", result["event_type"])
	}
	if result["deleted"] != float64(12) || result["incoming"] != float64(10) {
		t.Errorf("deleted/incoming = %v/%v", result["deleted"], result["incoming"])
	}
	if result["result"] != ResultFailure {
		t.Errorf("result = %v, want failure", result["result"])
	}
}

func TestAuditLogger_LogFeedImport_RedactsSource(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogFeedImport(context.Background(), "f1", "upload?token=abc", 2048)

	result := auditRecord(t, &buf)
	if result["source"] != "upload?token=[REDACTED]" {
		t.Errorf("source = %v, want redacted", result["source"])
	}
	if result["size"] != float64(2048) {
		t.Errorf("size = %v, want 2048", result["size"])
	}
}

func TestAuditLogger_LogManualRefresh(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogManualRefresh(context.Background(), "f1", "api", true)

	result := auditRecord(t, &buf)
	if result["action"] != ActionRefresh || result["result"] != ResultSuccess {
		t.Errorf("action/result = %v/%v", result["action"], result["result"])
	}
}

func TestAuditLogger_Nil(t *testing.T) {
	t.Parallel()

	var al *AuditLogger
	al.LogManualRefresh(context.Background(), "f1", "api", true)
}

func TestAuditLogger_ReplaceDeletionCarriesRunID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	al.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ctx, runID := StartRun(context.Background())
	al.LogReplaceDeletion(ctx, "f1", 3, 3, true)

	result := auditRecord(t, &buf)
	if result["run_id"] != runID.String() {
		t.Errorf("run_id = %v, want %s", result["run_id"], runID)
	}
	if result["actor"] != "system" {
		t.Errorf("actor = %v, want system", result["actor"])
	}
	if result["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", result["timestamp"])
	}
}
