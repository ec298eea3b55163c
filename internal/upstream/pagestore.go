package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// NewPool creates a PostgreSQL connection pool with pgvector types
// registered, for deployments that talk to the page store directly rather
// than through the REST facade.
func NewPool(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream.NewPool: parse config: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.AfterConnect = pgxvector.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream.NewPool: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("upstream.NewPool: ping: %w", err)
	}

	return pool, nil
}

// PageStore is a pgvector-backed alternative to the REST Client, for
// deployments where the retrieval service has a direct database connection
// to the page_vectors/pages tables instead of going through the upstream's
// own REST facade.
type PageStore struct {
	pool *pgxpool.Pool
}

// NewPageStore creates a PageStore over an existing connection pool.
func NewPageStore(pool *pgxpool.Pool) *PageStore {
	return &PageStore{pool: pool}
}

// Put upserts a page's vector.
func (s *PageStore) Put(ctx context.Context, pageID string, vec []float32) error {
	embedding := pgvector.NewVector(vec)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO page_vectors (page_id, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (page_id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()`,
		pageID, embedding,
	)
	if err != nil {
		return fmt.Errorf("upstream.PageStore.Put: %w", err)
	}
	return nil
}

// GetPageBody reads one page's body, returning NotFoundError if absent.
func (s *PageStore) GetPageBody(ctx context.Context, pageID string) (string, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM pages WHERE id = $1`, pageID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &NotFoundError{Key: pageID}
		}
		return "", fmt.Errorf("upstream.PageStore.GetPageBody: %w", err)
	}
	return body, nil
}

// VectorRow is one page's vector as returned by PagedScan.
type VectorRow struct {
	PageID string
	Vector []float32
}

// PagedScan traverses the page_vectors table in pages of pageSize rows
// ordered by page_id, calling visit for each page. Used by the bootstrap
// loader to build the in-memory index without materializing the whole
// table at once.
func (s *PageStore) PagedScan(ctx context.Context, pageSize int, visit func([]VectorRow) error) error {
	lastID := ""
	for {
		rows, err := s.pool.Query(ctx, `
			SELECT page_id, embedding FROM page_vectors
			WHERE page_id > $1
			ORDER BY page_id
			LIMIT $2`,
			lastID, pageSize,
		)
		if err != nil {
			return fmt.Errorf("upstream.PageStore.PagedScan: %w", err)
		}

		var page []VectorRow
		for rows.Next() {
			var pageID string
			var vec pgvector.Vector
			if err := rows.Scan(&pageID, &vec); err != nil {
				rows.Close()
				return fmt.Errorf("upstream.PageStore.PagedScan: scan: %w", err)
			}
			page = append(page, VectorRow{PageID: pageID, Vector: vec.Slice()})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("upstream.PageStore.PagedScan: iterate: %w", err)
		}

		if len(page) == 0 {
			return nil
		}
		if err := visit(page); err != nil {
			return err
		}

		lastID = page[len(page)-1].PageID
		if len(page) < pageSize {
			return nil
		}
	}
}

// defaultBootstrapPageSize bounds how many rows are materialized per
// PagedScan round trip during bootstrap.
const defaultBootstrapPageSize = 500

// LoadAll paged-scans the entire page_vectors table into memory. Implements
// retrieval.Bootstrapper.
func (s *PageStore) LoadAll(ctx context.Context) (map[string][]float32, error) {
	entries := make(map[string][]float32)
	err := s.PagedScan(ctx, defaultBootstrapPageSize, func(rows []VectorRow) error {
		for _, row := range rows {
			entries[row.PageID] = row.Vector
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
