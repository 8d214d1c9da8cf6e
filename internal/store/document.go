// ABOUTME: Stored document form of an IOC and the rolling index provider contract
// ABOUTME: Documents carry the derived doc id, feed identity, schema, and raw JSON body

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/codec"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// ErrIndexNotFound is returned when an alias has not been created yet.
var ErrIndexNotFound = errors.New("index alias not found")

// Document is one IOC as persisted in a rolling index.
type Document struct {
	DocID    string             `json:"doc_id"`
	FeedID   string             `json:"feed_id"`
	IOCID    string             `json:"ioc_id"`
	Schema   types.RecordSchema `json:"schema"`
	Body     json.RawMessage    `json:"body"`
	StoredAt time.Time          `json:"stored_at"`
}

// NewDocument encodes ioc for storage.
func NewDocument(ioc types.IOC, storedAt time.Time) (*Document, error) {
	key := ioc.Key()
	body, err := json.Marshal(ioc)
	if err != nil {
		return nil, fmt.Errorf("marshaling ioc %s: %w", key, err)
	}
	return &Document{
		DocID:    key.DocID(),
		FeedID:   key.FeedID,
		IOCID:    key.ID,
		Schema:   ioc.Schema(),
		Body:     body,
		StoredAt: storedAt.UTC(),
	}, nil
}

// Validate checks the fields every stored document needs.
func (d *Document) Validate() error {
	switch {
	case d.DocID == "":
		return errors.New("doc id is required")
	case d.FeedID == "":
		return errors.New("feed id is required")
	case len(d.Body) == 0:
		return errors.New("body is required")
	}
	return nil
}

// Decode turns the stored body back into an IOC of the document's schema.
func (d *Document) Decode() (types.IOC, error) {
	decoder, err := codec.NewSchemaDecoder(d.Schema)
	if err != nil {
		return nil, err
	}
	ioc, err := decoder.DecodeJSON(d.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", d.DocID, err)
	}
	return ioc, nil
}

// SegmentInfo describes one physical segment behind an alias.
type SegmentInfo struct {
	Name string `json:"name"`
	Docs int64  `json:"docs"`
}

// IndexProvider is a rolling index addressed by a stable alias.
// Writes land in the newest segment; readers see the union of all segments.
type IndexProvider interface {
	// Alias returns the alias the provider is bound to.
	Alias() string

	// EnsureIndex creates the alias and its first segment if absent.
	EnsureIndex(ctx context.Context) error

	// DeleteByFeed removes every document owned by feedID and returns
	// the number removed.
	DeleteByFeed(ctx context.Context, feedID string) (int, error)

	// BulkUpsert writes docs keyed by DocID. Per-document failures are
	// returned; err is reserved for failures of the whole call.
	BulkUpsert(ctx context.Context, docs []*Document) ([]types.DocFailure, error)

	// Get returns the document with docID, or nil when absent.
	Get(ctx context.Context, docID string) (*Document, error)

	// ListByFeed calls fn for every document owned by feedID.
	ListByFeed(ctx context.Context, feedID string, fn func(*Document) error) error

	// CountByFeed returns the number of documents owned by feedID.
	CountByFeed(ctx context.Context, feedID string) (int, error)

	// Feeds returns the ids of feeds with at least one document, sorted.
	Feeds(ctx context.Context) ([]string, error)

	// ForEachDocID calls fn for every stored document id.
	ForEachDocID(ctx context.Context, fn func(docID string) error) error

	// Segments returns the alias's segments, oldest first.
	Segments(ctx context.Context) ([]SegmentInfo, error)

	// Close releases the provider's resources.
	Close() error
}
