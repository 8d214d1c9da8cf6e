// ABOUTME: Error taxonomy for the feed ingestion pipeline
// ABOUTME: Configuration, codec, connector, and store failures with errors.As support

package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIllegalArgument is wrapped by errors caused by invalid call arguments.
var ErrIllegalArgument = errors.New("illegal argument")

// ConfigurationError reports invalid role or source configuration.
type ConfigurationError struct {
	// Field is the offending configuration field, if known.
	Field string

	// Reason describes what is wrong with the field.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid configuration")
	if e.Field != "" {
		fmt.Fprintf(&sb, " %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&sb, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// CodecError reports a malformed, truncated, or mismatched payload.
type CodecError struct {
	// Format is the wire format being decoded.
	Format string

	// Line is the 1-based record position, or 0 when not applicable.
	Line int

	// Err is the underlying decode error.
	Err error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("decoding %s record %d: %v", e.Format, e.Line, e.Err)
	}
	return fmt.Sprintf("decoding %s payload: %v", e.Format, e.Err)
}

// Unwrap returns the underlying error.
func (e *CodecError) Unwrap() error {
	return e.Err
}

// ConnectorError reports a network, authorization, or codec failure while
// loading a feed.
type ConnectorError struct {
	// FeedID is the feed being loaded.
	FeedID string

	// Source describes the source kind (e.g., "object-store").
	Source string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ConnectorError) Error() string {
	return fmt.Sprintf("loading feed %s from %s: %v", e.FeedID, e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// DocFailure describes a single document that failed to persist.
type DocFailure struct {
	DocID string
	Err   error
}

// FeedStoreError reports a persistence failure, including partial bulk
// write failures.
type FeedStoreError struct {
	// FeedID is the feed being stored.
	FeedID string

	// Op is the failing step (e.g., "ensure_index", "delete", "upsert").
	Op string

	// Attempted is the number of documents in the batch.
	Attempted int

	// Failures lists per-document failures for bulk writes.
	Failures []DocFailure

	// Err is the underlying error for whole-operation failures.
	Err error
}

// Error implements the error interface.
func (e *FeedStoreError) Error() string {
	if len(e.Failures) > 0 {
		first := e.Failures[0]
		return fmt.Sprintf("storing feed %s: %s: %d of %d documents failed (first %s: %v)",
			e.FeedID, e.Op, len(e.Failures), e.Attempted, first.DocID, first.Err)
	}
	return fmt.Sprintf("storing feed %s: %s: %v", e.FeedID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *FeedStoreError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if len(e.Failures) > 0 {
		return e.Failures[0].Err
	}
	return nil
}
