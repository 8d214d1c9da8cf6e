// ABOUTME: Classifies feed pipeline failures into stable codes and retry categories
// ABOUTME: ErrorContext wraps the cause and renders as a slog group

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// Error categories.
const (
	CategoryTransient = "transient"
	CategoryPermanent = "permanent"
	CategoryUserError = "user_error"
)

// Error codes assigned by ClassifyError.
const (
	CodeConfigInvalid = "FEED_CONFIG_INVALID"
	CodeDecodeFailed  = "FEED_DECODE_FAILED"
	CodeFetchFailed   = "FEED_FETCH_FAILED"
	CodeStoreFailed   = "FEED_STORE_FAILED"
	CodeBatchInvalid  = "FEED_BATCH_INVALID"
	CodeRunTimeout    = "FEED_RUN_TIMEOUT"
	CodeRunCancelled  = "FEED_RUN_CANCELLED"
	CodeRunPanic      = "FEED_RUN_PANIC"
	CodeRunFailed     = "FEED_RUN_FAILED"
)

// ErrorContext is a classified pipeline failure.
type ErrorContext struct {
	Code      string `json:"code"`
	Category  string `json:"category"`
	Operation string `json:"operation"`
	Err       error  `json:"-"`
}

type errorClass struct {
	match    func(error) bool
	code     string
	category string
}

func isA[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Order matters: the first match wins, so a connector failure caused by a
// bad payload is a decode failure and a timed out fetch is a timeout.
var errorClasses = []errorClass{
	{isA[*types.ConfigurationError], CodeConfigInvalid, CategoryUserError},
	{isA[*types.CodecError], CodeDecodeFailed, CategoryPermanent},
	{func(err error) bool { return errors.Is(err, types.ErrIllegalArgument) }, CodeBatchInvalid, CategoryUserError},
	{func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }, CodeRunTimeout, CategoryTransient},
	{func(err error) bool { return errors.Is(err, context.Canceled) }, CodeRunCancelled, CategoryTransient},
	{isA[*types.ConnectorError], CodeFetchFailed, CategoryTransient},
	{isA[*types.FeedStoreError], CodeStoreFailed, CategoryTransient},
}

// ClassifyError assigns err a code and category for operation.
// Unrecognised errors are CodeRunFailed and transient.
func ClassifyError(operation string, err error) *ErrorContext {
	ec := &ErrorContext{
		Code:      CodeRunFailed,
		Category:  CategoryTransient,
		Operation: operation,
		Err:       err,
	}
	for _, c := range errorClasses {
		if c.match(err) {
			ec.Code, ec.Category = c.code, c.category
			break
		}
	}
	return ec
}

// Retryable reports whether running the feed again may succeed.
func (e *ErrorContext) Retryable() bool {
	return e.Category == CategoryTransient
}

func (e *ErrorContext) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s) in %s", e.Code, e.Category, e.Operation)
	}
	return fmt.Sprintf("%s (%s) in %s: %v", e.Code, e.Category, e.Operation, e.Err)
}

func (e *ErrorContext) Unwrap() error { return e.Err }

// LogValue renders the classification as a group. The cause is logged
// separately by callers so it can be redacted.
func (e *ErrorContext) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("code", e.Code),
		slog.String("category", e.Category),
		slog.String("operation", e.Operation),
		slog.Bool("retryable", e.Retryable()),
	)
}
