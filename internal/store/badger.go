// ABOUTME: BadgerDB rolling index: an alias over ordered segments with doc-count rollover
// ABOUTME: Keeps a location and per-feed key per document so upserts never duplicate

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

const (
	// DefaultRolloverDocs is the segment size used when none is configured.
	DefaultRolloverDocs = 1_000_000

	// upsertChunkSize bounds the documents written per transaction.
	upsertChunkSize = 500
)

// StoreConfig holds configuration for the BadgerDB index.
type StoreConfig struct {
	// Path to the database directory. Required unless InMemory is true.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites enables synchronous writes (slower but safer).
	SyncWrites bool

	// Logger for BadgerDB operations.
	Logger badger.Logger

	// Alias is the index alias documents are written under.
	Alias string

	// RolloverDocs is the number of documents after which a new segment
	// is started.
	RolloverDocs int64
}

// aliasMeta is the persisted state of one alias.
type aliasMeta struct {
	Segments []SegmentInfo `json:"segments"`
	NextSeq  int           `json:"next_seq"`
}

func (m *aliasMeta) write() *SegmentInfo {
	return &m.Segments[len(m.Segments)-1]
}

func (m *aliasMeta) segment(name string) *SegmentInfo {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

func (m *aliasMeta) rollover(alias string) {
	m.Segments = append(m.Segments, SegmentInfo{Name: segmentName(alias, m.NextSeq)})
	m.NextSeq++
}

// dropEmpty removes empty segments other than the write segment.
func (m *aliasMeta) dropEmpty() {
	last := len(m.Segments) - 1
	kept := m.Segments[:0]
	for i, seg := range m.Segments {
		if seg.Docs <= 0 && i != last {
			continue
		}
		kept = append(kept, seg)
	}
	m.Segments = kept
}

func segmentName(alias string, seq int) string {
	return fmt.Sprintf("%s-%06d", alias, seq)
}

// BadgerIndex is an IndexProvider backed by BadgerDB.
//
// Key layout:
//
//	alias/<alias>                    -> aliasMeta
//	seg/<segment>/doc/<docID>        -> Document
//	loc/<alias>/<docID>              -> segment name
//	feed/<alias>/<feedID>/<docID>    -> empty (feedID path-escaped)
type BadgerIndex struct {
	db       *badger.DB
	alias    string
	rollover int64

	// mu serializes writers so alias metadata is read-modify-written once
	// per transaction.
	mu sync.Mutex
}

// NewBadgerIndex opens a BadgerDB index with the given configuration.
func NewBadgerIndex(cfg StoreConfig) (*BadgerIndex, error) {
	if err := validateAlias(cfg.Alias); err != nil {
		return nil, err
	}
	if cfg.RolloverDocs <= 0 {
		cfg.RolloverDocs = DefaultRolloverDocs
	}

	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	if cfg.SyncWrites {
		opts = opts.WithSyncWrites(true)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	} else {
		opts = opts.WithLogger(nil) // Disable logging by default.
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerIndex{
		db:       db,
		alias:    cfg.Alias,
		rollover: cfg.RolloverDocs,
	}, nil
}

func validateAlias(alias string) error {
	if alias == "" || strings.ContainsAny(alias, "/ ") {
		return &types.ConfigurationError{Field: "store.alias", Reason: fmt.Sprintf("invalid alias %q", alias)}
	}
	return nil
}

// Alias returns the alias the index is bound to.
func (b *BadgerIndex) Alias() string {
	return b.alias
}

// Close closes the database.
func (b *BadgerIndex) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Compact triggers value log garbage collection.
func (b *BadgerIndex) Compact() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (b *BadgerIndex) aliasKey() []byte {
	return []byte("alias/" + b.alias)
}

func docKey(segment, docID string) []byte {
	return []byte("seg/" + segment + "/doc/" + docID)
}

func (b *BadgerIndex) locKey(docID string) []byte {
	return []byte("loc/" + b.alias + "/" + docID)
}

func (b *BadgerIndex) locPrefix() []byte {
	return []byte("loc/" + b.alias + "/")
}

func (b *BadgerIndex) feedKey(feedID, docID string) []byte {
	return []byte("feed/" + b.alias + "/" + url.PathEscape(feedID) + "/" + docID)
}

func (b *BadgerIndex) feedPrefix(feedID string) []byte {
	return []byte("feed/" + b.alias + "/" + url.PathEscape(feedID) + "/")
}

func (b *BadgerIndex) allFeedsPrefix() []byte {
	return []byte("feed/" + b.alias + "/")
}

func (b *BadgerIndex) loadMeta(txn *badger.Txn) (*aliasMeta, error) {
	item, err := txn.Get(b.aliasKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, b.alias)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias %s: %w", b.alias, err)
	}

	meta := &aliasMeta{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal alias %s: %w", b.alias, err)
	}
	if len(meta.Segments) == 0 {
		return nil, fmt.Errorf("alias %s has no segments", b.alias)
	}
	return meta, nil
}

func (b *BadgerIndex) saveMeta(txn *badger.Txn, meta *aliasMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal alias %s: %w", b.alias, err)
	}
	return txn.Set(b.aliasKey(), data)
}

// EnsureIndex creates the alias with its first segment if absent.
func (b *BadgerIndex) EnsureIndex(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		_, err := b.loadMeta(txn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrIndexNotFound) {
			return err
		}

		meta := &aliasMeta{NextSeq: 1}
		meta.rollover(b.alias)
		return b.saveMeta(txn, meta)
	})
}

// BulkUpsert writes docs into the current write segment in chunks.
// A failed chunk reports every document in it as failed.
func (b *BadgerIndex) BulkUpsert(ctx context.Context, docs []*Document) ([]types.DocFailure, error) {
	var failures []types.DocFailure

	valid := make([]encodedDoc, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if err := doc.Validate(); err != nil {
			failures = append(failures, types.DocFailure{DocID: doc.DocID, Err: err})
			continue
		}
		data, err := json.Marshal(doc)
		if err != nil {
			failures = append(failures, types.DocFailure{DocID: doc.DocID, Err: fmt.Errorf("failed to marshal document: %w", err)})
			continue
		}
		valid = append(valid, encodedDoc{doc: doc, data: data})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for start := 0; start < len(valid); start += upsertChunkSize {
		if err := ctx.Err(); err != nil {
			return failures, err
		}

		chunk := valid[start:min(start+upsertChunkSize, len(valid))]
		chunkFailures, err := b.writeChunk(ctx, chunk)
		failures = append(failures, chunkFailures...)
		if err != nil {
			return failures, err
		}
	}

	return failures, nil
}

type encodedDoc struct {
	doc  *Document
	data []byte
}

// writeChunk stores chunk and the updated alias metadata in one
// transaction. A chunk too large for one transaction is split in half
// until it fits; a single document that still does not fit is failed.
func (b *BadgerIndex) writeChunk(ctx context.Context, chunk []encodedDoc) ([]types.DocFailure, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		meta, err := b.loadMeta(txn)
		if err != nil {
			return err
		}
		for _, e := range chunk {
			if err := b.putDoc(txn, meta, e.doc, e.data); err != nil {
				return err
			}
		}
		return b.saveMeta(txn, meta)
	})

	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, ErrIndexNotFound):
		return nil, err
	case errors.Is(err, badger.ErrTxnTooBig) && len(chunk) > 1:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		half := len(chunk) / 2
		failures, err := b.writeChunk(ctx, chunk[:half])
		if err != nil {
			return failures, err
		}
		rest, err := b.writeChunk(ctx, chunk[half:])
		return append(failures, rest...), err
	}

	failures := make([]types.DocFailure, 0, len(chunk))
	for _, e := range chunk {
		failures = append(failures, types.DocFailure{DocID: e.doc.DocID, Err: err})
	}
	return failures, nil
}

// putDoc writes one document, moving it out of any older segment.
func (b *BadgerIndex) putDoc(txn *badger.Txn, meta *aliasMeta, doc *Document, data []byte) error {
	current, err := b.location(txn, doc.DocID)
	if err != nil {
		return err
	}

	target := meta.write()
	if current != target.Name {
		if target.Docs >= b.rollover {
			meta.rollover(b.alias)
			target = meta.write()
		}
		if current != "" {
			if err := txn.Delete(docKey(current, doc.DocID)); err != nil {
				return fmt.Errorf("failed to remove %s from %s: %w", doc.DocID, current, err)
			}
			if old := meta.segment(current); old != nil {
				old.Docs--
			}
		}
		target.Docs++
	}

	if err := txn.Set(docKey(target.Name, doc.DocID), data); err != nil {
		return fmt.Errorf("failed to set document %s: %w", doc.DocID, err)
	}
	if err := txn.Set(b.locKey(doc.DocID), []byte(target.Name)); err != nil {
		return fmt.Errorf("failed to set location %s: %w", doc.DocID, err)
	}
	if err := txn.Set(b.feedKey(doc.FeedID, doc.DocID), nil); err != nil {
		return fmt.Errorf("failed to set feed key %s: %w", doc.DocID, err)
	}
	meta.dropEmpty()
	return nil
}

// location returns the segment holding docID, or "" when absent.
func (b *BadgerIndex) location(txn *badger.Txn, docID string) (string, error) {
	item, err := txn.Get(b.locKey(docID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get location %s: %w", docID, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// DeleteByFeed removes every document owned by feedID.
func (b *BadgerIndex) DeleteByFeed(ctx context.Context, feedID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var docIDs []string
	err := b.scanKeys(b.feedPrefix(feedID), func(suffix string) error {
		docIDs = append(docIDs, suffix)
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(docIDs); start += upsertChunkSize {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		chunk := docIDs[start:min(start+upsertChunkSize, len(docIDs))]
		err := b.db.Update(func(txn *badger.Txn) error {
			meta, err := b.loadMeta(txn)
			if err != nil {
				return err
			}
			for _, docID := range chunk {
				segment, err := b.location(txn, docID)
				if err != nil {
					return err
				}
				if segment != "" {
					if err := txn.Delete(docKey(segment, docID)); err != nil {
						return err
					}
					if seg := meta.segment(segment); seg != nil {
						seg.Docs--
					}
				}
				if err := txn.Delete(b.locKey(docID)); err != nil {
					return err
				}
				if err := txn.Delete(b.feedKey(feedID, docID)); err != nil {
					return err
				}
			}
			meta.dropEmpty()
			return b.saveMeta(txn, meta)
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete documents of feed %s: %w", feedID, err)
		}
		deleted += len(chunk)
	}

	return deleted, nil
}

// Get retrieves a document by id. Returns nil if the id is not found.
func (b *BadgerIndex) Get(ctx context.Context, docID string) (*Document, error) {
	var doc *Document

	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = b.readDoc(txn, docID)
		return err
	})

	return doc, err
}

func (b *BadgerIndex) readDoc(txn *badger.Txn, docID string) (*Document, error) {
	segment, err := b.location(txn, docID)
	if err != nil || segment == "" {
		return nil, err
	}

	item, err := txn.Get(docKey(segment, docID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", docID, err)
	}

	doc := &Document{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", docID, err)
	}
	return doc, nil
}

// ListByFeed calls fn for every document owned by feedID, in doc id order.
func (b *BadgerIndex) ListByFeed(ctx context.Context, feedID string, fn func(*Document) error) error {
	prefix := b.feedPrefix(feedID)

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			docID := string(bytes.TrimPrefix(it.Item().Key(), prefix))
			doc, err := b.readDoc(txn, docID)
			if err != nil {
				return err
			}
			if doc == nil {
				continue
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountByFeed returns the number of documents owned by feedID.
func (b *BadgerIndex) CountByFeed(ctx context.Context, feedID string) (int, error) {
	n := 0
	err := b.scanKeys(b.feedPrefix(feedID), func(string) error {
		n++
		return nil
	})
	return n, err
}

// Feeds returns the ids of feeds with stored documents, sorted.
func (b *BadgerIndex) Feeds(ctx context.Context) ([]string, error) {
	var feeds []string
	last := ""
	err := b.scanKeys(b.allFeedsPrefix(), func(suffix string) error {
		escaped, _, ok := strings.Cut(suffix, "/")
		if !ok || escaped == last {
			return nil
		}
		last = escaped
		feedID, err := url.PathUnescape(escaped)
		if err != nil {
			return fmt.Errorf("failed to decode feed key %q: %w", escaped, err)
		}
		feeds = append(feeds, feedID)
		return nil
	})
	slices.Sort(feeds)
	return feeds, err
}

// ForEachDocID calls fn for every document id under the alias.
func (b *BadgerIndex) ForEachDocID(ctx context.Context, fn func(docID string) error) error {
	return b.scanKeys(b.locPrefix(), fn)
}

// Segments returns the alias's segments, oldest first.
func (b *BadgerIndex) Segments(ctx context.Context) ([]SegmentInfo, error) {
	var segments []SegmentInfo
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := b.loadMeta(txn)
		if err != nil {
			return err
		}
		segments = meta.Segments
		return nil
	})
	return segments, err
}

// scanKeys calls fn with the remainder of every key under prefix.
func (b *BadgerIndex) scanKeys(prefix []byte, fn func(suffix string) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			suffix := string(bytes.TrimPrefix(it.Item().Key(), prefix))
			if err := fn(suffix); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ensure BadgerIndex implements IndexProvider.
var _ IndexProvider = (*BadgerIndex)(nil)
