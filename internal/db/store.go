package db

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Store wraps the pool with the query surface the webhook pipeline needs.
type Store struct {
	pool       *Pool
	dimensions int
}

func NewStore(pool *Pool, embeddingDimensions int) *Store {
	if embeddingDimensions <= 0 {
		embeddingDimensions = 1536
	}
	return &Store{
		pool:       pool,
		dimensions: embeddingDimensions,
	}
}

type CollectionRecord struct {
	CollectionID int64
	ExternalID   string
	Name         string
}

type ItemUpsert struct {
	ExternalID   string
	CollectionID int64
	URL          string
	Title        string
	Description  *string
	Excerpt      *string
	Author       *string
	PublishedAt  *time.Time
	ImageURL     *string
	FaviconURL   *string
	Language     string
	Enrichments  json.RawMessage
	Evaluations  json.RawMessage
	Embedding    []float64
}

type ItemWriteResult struct {
	ItemID   int64
	ItemUUID string
	Inserted bool
}

type Neighbor struct {
	ItemID      int64
	Title       string
	PublishedAt time.Time
	Distance    float64
}

// ItemTx is the transactional surface available while the per-collection
// advisory lock is held.
type ItemTx interface {
	NearestNeighbors(ctx context.Context, collectionID int64, embedding []float64, since time.Time, limit int) ([]Neighbor, error)
	URLOwnedByOther(ctx context.Context, externalID, url string) (bool, error)
	UpsertItem(ctx context.Context, up ItemUpsert, now time.Time) (ItemWriteResult, error)
}

// UpsertCollection registers a collection keyed by its external id. Re-delivery
// of the same creation event backfills the name and refreshes the descriptor.
func (s *Store) UpsertCollection(ctx context.Context, externalID, name string, rawDescriptor json.RawMessage, now time.Time) (bool, error) {
	const q = `
INSERT INTO monitor.collections (
	external_id,
	name,
	raw_descriptor,
	created_at,
	updated_at
)
VALUES ($1, $2, $3::jsonb, $4, $4)
ON CONFLICT (external_id) DO UPDATE
SET
	name = EXCLUDED.name,
	raw_descriptor = EXCLUDED.raw_descriptor,
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)
`
	var inserted bool
	if err := s.pool.QueryRow(ctx, q, externalID, name, nullableJSON(rawDescriptor), now).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upsert collection %q: %w", externalID, err)
	}
	return inserted, nil
}

func (s *Store) GetCollectionByExternalID(ctx context.Context, externalID string) (*CollectionRecord, error) {
	const q = `
SELECT collection_id, external_id, name
FROM monitor.collections
WHERE external_id = $1
`
	var rec CollectionRecord
	if err := s.pool.QueryRow(ctx, q, externalID).Scan(&rec.CollectionID, &rec.ExternalID, &rec.Name); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WithCollectionLock runs fn inside a transaction that holds a per-collection
// advisory lock, so concurrent dedup-check-and-insert sequences for the same
// collection always observe each other's committed rows.
func (s *Store) WithCollectionLock(ctx context.Context, collectionExternalID string, fn func(tx ItemTx) error) error {
	tx, err := s.pool.BeginTx(ctx, TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('monitor:collection:' || $1))`, collectionExternalID); err != nil {
		return fmt.Errorf("acquire collection lock: %w", err)
	}

	if err := fn(&storeTx{tx: tx, dimensions: s.dimensions}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type storeTx struct {
	tx         Tx
	dimensions int
}

func (t *storeTx) NearestNeighbors(ctx context.Context, collectionID int64, embedding []float64, since time.Time, limit int) ([]Neighbor, error) {
	literal, err := VectorLiteral(embedding, t.dimensions)
	if err != nil {
		return nil, fmt.Errorf("encode query vector: %w", err)
	}

	if err := t.tx.Exec(ctx, "SET LOCAL hnsw.ef_search = 64"); err != nil {
		return nil, fmt.Errorf("set hnsw.ef_search: %w", err)
	}

	const q = `
SELECT
	item_id,
	title,
	published_at,
	(title_embedding <=> $1::vector)::DOUBLE PRECISION AS distance
FROM monitor.items
WHERE collection_id = $2
  AND title_embedding IS NOT NULL
  AND published_at IS NOT NULL
  AND published_at >= $3
ORDER BY title_embedding <=> $1::vector ASC
LIMIT $4
`
	rows, err := t.tx.Query(ctx, q, literal, collectionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest neighbors: %w", err)
	}
	defer rows.Close()

	neighbors := make([]Neighbor, 0, limit)
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ItemID, &n.Title, &n.PublishedAt, &n.Distance); err != nil {
			return nil, fmt.Errorf("scan neighbor row: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbor rows: %w", err)
	}
	return neighbors, nil
}

func (t *storeTx) URLOwnedByOther(ctx context.Context, externalID, url string) (bool, error) {
	const q = `
SELECT EXISTS (
	SELECT 1
	FROM monitor.items
	WHERE url = $1
	  AND external_id <> $2
)
`
	var exists bool
	if err := t.tx.QueryRow(ctx, q, url, externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check url ownership: %w", err)
	}
	return exists, nil
}

func (t *storeTx) UpsertItem(ctx context.Context, up ItemUpsert, now time.Time) (ItemWriteResult, error) {
	var embeddingLiteral *string
	if up.Embedding != nil {
		literal, err := VectorLiteral(up.Embedding, t.dimensions)
		if err != nil {
			return ItemWriteResult{}, fmt.Errorf("encode item embedding: %w", err)
		}
		embeddingLiteral = &literal
	}

	language := strings.TrimSpace(up.Language)
	if language == "" {
		language = "und"
	}

	const q = `
INSERT INTO monitor.items (
	external_id,
	collection_id,
	url,
	title,
	description,
	excerpt,
	author,
	published_at,
	image_url,
	favicon_url,
	language,
	enrichments,
	evaluations,
	title_embedding,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13::jsonb, $14::vector, $15, $15)
ON CONFLICT (external_id) DO UPDATE
SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	excerpt = EXCLUDED.excerpt,
	author = EXCLUDED.author,
	published_at = EXCLUDED.published_at,
	image_url = EXCLUDED.image_url,
	favicon_url = EXCLUDED.favicon_url,
	language = EXCLUDED.language,
	enrichments = EXCLUDED.enrichments,
	evaluations = EXCLUDED.evaluations,
	title_embedding = EXCLUDED.title_embedding,
	updated_at = EXCLUDED.updated_at
RETURNING item_id, item_uuid, (xmax = 0)
`
	var result ItemWriteResult
	if err := t.tx.QueryRow(
		ctx,
		q,
		up.ExternalID,
		up.CollectionID,
		up.URL,
		up.Title,
		up.Description,
		up.Excerpt,
		up.Author,
		nullableTime(up.PublishedAt),
		up.ImageURL,
		up.FaviconURL,
		language,
		nullableJSON(up.Enrichments),
		nullableJSON(up.Evaluations),
		embeddingLiteral,
		now,
	).Scan(&result.ItemID, &result.ItemUUID, &result.Inserted); err != nil {
		return ItemWriteResult{}, fmt.Errorf("upsert item %q: %w", up.ExternalID, err)
	}
	return result, nil
}

// VectorLiteral renders a float slice as a pgvector text literal, validating
// the configured dimension.
func VectorLiteral(vector []float64, dimensions int) (string, error) {
	if len(vector) != dimensions {
		return "", fmt.Errorf("vector has %d dimensions, want %d", len(vector), dimensions)
	}

	var b strings.Builder
	b.Grow(len(vector) * 10)
	b.WriteByte('[')
	for i, value := range vector {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return "", fmt.Errorf("vector component %d is not finite", i)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String(), nil
}

func nullableJSON(raw json.RawMessage) *string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nullableTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
