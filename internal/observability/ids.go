// ABOUTME: Run and request identifiers carried on contexts and HTTP headers
// ABOUTME: Supplies the id attributes attached to feed log lines and audit records

package observability

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries a request id into and out of the HTTP API.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds client-supplied request ids.
const maxRequestIDLen = 128

// RunID identifies one retrieval run of one feed.
type RunID string

func (id RunID) String() string {
	return string(id)
}

type runIDKey struct{}

type requestIDKey struct{}

// StartRun attaches a fresh run id to ctx. Any request id already on ctx
// is kept.
func StartRun(ctx context.Context) (context.Context, RunID) {
	id := RunID(uuid.NewString())
	return context.WithValue(ctx, runIDKey{}, id), id
}

// RunIDFromContext returns the run id set by StartRun, or "".
func RunIDFromContext(ctx context.Context) RunID {
	id, _ := ctx.Value(runIDKey{}).(RunID)
	return id
}

// WithRequestID records the id of the request being served.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware propagates X-Request-ID. Ids supplied by the client
// are reused only when they are short and made of safe characters;
// otherwise a new one is generated. The id is echoed in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// contextAttrs returns the id attributes present on ctx.
func contextAttrs(ctx context.Context) []any {
	var attrs []any
	if id := RunIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("run_id", id.String()))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return attrs
}
