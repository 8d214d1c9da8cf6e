// ABOUTME: PostgreSQL rolling index on pgx: one documents table partitioned logically by segment
// ABOUTME: Upserts with ON CONFLICT keyed by (alias, doc_id) and rolls segments by inserted count

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tif_aliases (
	alias         TEXT PRIMARY KEY,
	write_segment TEXT NOT NULL,
	write_count   BIGINT NOT NULL DEFAULT 0,
	next_seq      INT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tif_documents (
	alias     TEXT NOT NULL,
	doc_id    TEXT NOT NULL,
	feed_id   TEXT NOT NULL,
	ioc_id    TEXT NOT NULL,
	schema    TEXT NOT NULL,
	segment   TEXT NOT NULL,
	body      JSONB NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (alias, doc_id)
);
CREATE INDEX IF NOT EXISTS tif_documents_feed_idx ON tif_documents (alias, feed_id);
`

const upsertDocument = `
	INSERT INTO tif_documents (alias, doc_id, feed_id, ioc_id, schema, segment, body, stored_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (alias, doc_id) DO UPDATE SET
		feed_id = EXCLUDED.feed_id,
		ioc_id = EXCLUDED.ioc_id,
		schema = EXCLUDED.schema,
		segment = EXCLUDED.segment,
		body = EXCLUDED.body,
		stored_at = EXCLUDED.stored_at
	RETURNING (xmax = 0)
`

// PostgresConfig configures the PostgreSQL index.
type PostgresConfig struct {
	// DSN is the connection string.
	DSN string

	// Alias is the index alias documents are written under.
	Alias string

	// RolloverDocs is the number of inserted documents after which a new
	// segment is started.
	RolloverDocs int64
}

// PostgresIndex is an IndexProvider backed by PostgreSQL.
type PostgresIndex struct {
	db       *pgxpool.Pool
	alias    string
	rollover int64
}

// NewPostgresIndex connects to PostgreSQL and returns an index bound to cfg.Alias.
func NewPostgresIndex(ctx context.Context, cfg PostgresConfig) (*PostgresIndex, error) {
	if err := validateAlias(cfg.Alias); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, &types.ConfigurationError{Field: "store.postgres_dsn", Reason: "dsn is required"}
	}
	if cfg.RolloverDocs <= 0 {
		cfg.RolloverDocs = DefaultRolloverDocs
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresIndex{
		db:       pool,
		alias:    cfg.Alias,
		rollover: cfg.RolloverDocs,
	}, nil
}

// Alias returns the alias the index is bound to.
func (p *PostgresIndex) Alias() string {
	return p.alias
}

// Close closes the connection pool.
func (p *PostgresIndex) Close() error {
	p.db.Close()
	return nil
}

// EnsureIndex creates the tables and the alias row if absent.
func (p *PostgresIndex) EnsureIndex(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO tif_aliases (alias, write_segment, write_count, next_seq)
		VALUES ($1, $2, 0, 2)
		ON CONFLICT (alias) DO NOTHING
	`, p.alias, segmentName(p.alias, 1))
	if err != nil {
		return fmt.Errorf("failed to create alias %s: %w", p.alias, err)
	}
	return nil
}

// DeleteByFeed removes every document owned by feedID.
func (p *PostgresIndex) DeleteByFeed(ctx context.Context, feedID string) (int, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM tif_documents WHERE alias = $1 AND feed_id = $2`,
		p.alias, feedID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents of feed %s: %w", feedID, err)
	}
	return int(tag.RowsAffected()), nil
}

// BulkUpsert writes docs in batched transactions. A failed batch reports
// every document in it as failed.
func (p *PostgresIndex) BulkUpsert(ctx context.Context, docs []*Document) ([]types.DocFailure, error) {
	var failures []types.DocFailure

	valid := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if err := doc.Validate(); err != nil {
			failures = append(failures, types.DocFailure{DocID: doc.DocID, Err: err})
			continue
		}
		valid = append(valid, doc)
	}

	for start := 0; start < len(valid); start += upsertChunkSize {
		if err := ctx.Err(); err != nil {
			return failures, err
		}

		chunk := valid[start:min(start+upsertChunkSize, len(valid))]
		err := p.upsertChunk(ctx, chunk)
		if errors.Is(err, ErrIndexNotFound) {
			return failures, err
		}
		if err != nil {
			for _, doc := range chunk {
				failures = append(failures, types.DocFailure{DocID: doc.DocID, Err: err})
			}
		}
	}

	return failures, nil
}

func (p *PostgresIndex) upsertChunk(ctx context.Context, chunk []*Document) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		segment string
		count   int64
		nextSeq int
	)
	err = tx.QueryRow(ctx,
		`SELECT write_segment, write_count, next_seq FROM tif_aliases WHERE alias = $1 FOR UPDATE`,
		p.alias,
	).Scan(&segment, &count, &nextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, p.alias)
	}
	if err != nil {
		return fmt.Errorf("failed to lock alias %s: %w", p.alias, err)
	}

	batch := &pgx.Batch{}
	for _, doc := range chunk {
		batch.Queue(upsertDocument,
			p.alias,
			doc.DocID,
			doc.FeedID,
			doc.IOCID,
			string(doc.Schema),
			segment,
			string(doc.Body),
			doc.StoredAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range chunk {
		var isInsert bool
		if err := br.QueryRow().Scan(&isInsert); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to execute batch: %w", err)
		}
		if isInsert {
			inserted++
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	count += inserted
	if count >= p.rollover {
		segment = segmentName(p.alias, nextSeq)
		nextSeq++
		count = 0
	}
	_, err = tx.Exec(ctx,
		`UPDATE tif_aliases SET write_segment = $2, write_count = $3, next_seq = $4 WHERE alias = $1`,
		p.alias, segment, count, nextSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to update alias %s: %w", p.alias, err)
	}

	return tx.Commit(ctx)
}

// Get retrieves a document by id. Returns nil if the id is not found.
func (p *PostgresIndex) Get(ctx context.Context, docID string) (*Document, error) {
	row := p.db.QueryRow(ctx, `
		SELECT doc_id, feed_id, ioc_id, schema, body, stored_at
		FROM tif_documents
		WHERE alias = $1 AND doc_id = $2
	`, p.alias, docID)

	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	return doc, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc      Document
		schema   string
		body     []byte
		storedAt time.Time
	)
	if err := row.Scan(&doc.DocID, &doc.FeedID, &doc.IOCID, &schema, &body, &storedAt); err != nil {
		return nil, err
	}
	doc.Schema = types.RecordSchema(schema)
	doc.Body = body
	doc.StoredAt = storedAt.UTC()
	return &doc, nil
}

// ListByFeed calls fn for every document owned by feedID, in doc id order.
func (p *PostgresIndex) ListByFeed(ctx context.Context, feedID string, fn func(*Document) error) error {
	rows, err := p.db.Query(ctx, `
		SELECT doc_id, feed_id, ioc_id, schema, body, stored_at
		FROM tif_documents
		WHERE alias = $1 AND feed_id = $2
		ORDER BY doc_id
	`, p.alias, feedID)
	if err != nil {
		return fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return fmt.Errorf("failed to scan document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}

// CountByFeed returns the number of documents owned by feedID.
func (p *PostgresIndex) CountByFeed(ctx context.Context, feedID string) (int, error) {
	var n int64
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM tif_documents WHERE alias = $1 AND feed_id = $2`,
		p.alias, feedID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return int(n), nil
}

// Feeds returns the ids of feeds with stored documents, sorted.
func (p *PostgresIndex) Feeds(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT DISTINCT feed_id FROM tif_documents WHERE alias = $1 ORDER BY feed_id`,
		p.alias,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}

	feeds, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan feeds: %w", err)
	}
	return feeds, nil
}

// ForEachDocID calls fn for every document id under the alias.
func (p *PostgresIndex) ForEachDocID(ctx context.Context, fn func(docID string) error) error {
	rows, err := p.db.Query(ctx, `SELECT doc_id FROM tif_documents WHERE alias = $1`, p.alias)
	if err != nil {
		return fmt.Errorf("failed to query document ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return fmt.Errorf("failed to scan document id: %w", err)
		}
		if err := fn(docID); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Segments returns the alias's non-empty segments plus the write segment,
// oldest first.
func (p *PostgresIndex) Segments(ctx context.Context) ([]SegmentInfo, error) {
	var writeSegment string
	err := p.db.QueryRow(ctx,
		`SELECT write_segment FROM tif_aliases WHERE alias = $1`, p.alias,
	).Scan(&writeSegment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, p.alias)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias %s: %w", p.alias, err)
	}

	rows, err := p.db.Query(ctx, `
		SELECT segment, count(*) FROM tif_documents
		WHERE alias = $1
		GROUP BY segment
		ORDER BY segment
	`, p.alias)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []SegmentInfo
	sawWrite := false
	for rows.Next() {
		var seg SegmentInfo
		if err := rows.Scan(&seg.Name, &seg.Docs); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		sawWrite = sawWrite || seg.Name == writeSegment
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	if !sawWrite {
		segments = append(segments, SegmentInfo{Name: writeSegment})
	}
	return segments, nil
}

// Ensure PostgresIndex implements IndexProvider.
var _ IndexProvider = (*PostgresIndex)(nil)
