// Package storage persists scraped pages into a relational database when a
// DSN is configured. The streaming writer remains the primary output; this
// sink exists for installations that want queryable results.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// PageSink upserts scraped content into a pages table.
type PageSink struct {
	db          *sql.DB
	autoMigrate bool
}

// NewPageSink opens the database and optionally applies the schema.
func NewPageSink(cfg config.SQLConfig) (*PageSink, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	sink := &PageSink{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := sink.ensureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return sink, nil
}

// SavePage upserts a scraped record keyed by URL.
func (s *PageSink) SavePage(ctx context.Context, rec *types.ScrapedContent) error {
	if s == nil || s.db == nil || rec == nil {
		return nil
	}
	if err := s.upsertPage(ctx, rec); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsertPage(ctx, rec); retryErr != nil {
				return fmt.Errorf("insert page: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *PageSink) upsertPage(ctx context.Context, rec *types.ScrapedContent) error {
	query := `
        INSERT INTO pages (url, title, depth, parent_url, status_code, content_type,
                           word_count, language, content_hash, status, body_text,
                           clean_html, scraped_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
        ON CONFLICT (url) DO UPDATE SET
            title = EXCLUDED.title,
            depth = EXCLUDED.depth,
            parent_url = EXCLUDED.parent_url,
            status_code = EXCLUDED.status_code,
            content_type = EXCLUDED.content_type,
            word_count = EXCLUDED.word_count,
            language = EXCLUDED.language,
            content_hash = EXCLUDED.content_hash,
            status = EXCLUDED.status,
            body_text = EXCLUDED.body_text,
            clean_html = EXCLUDED.clean_html,
            scraped_at = EXCLUDED.scraped_at
    `
	_, err := s.db.ExecContext(ctx, query,
		rec.URL,
		rec.Title,
		rec.Depth,
		rec.ParentURL,
		rec.StatusCode,
		rec.ContentType,
		rec.WordCount,
		rec.Language,
		rec.ContentHash,
		string(rec.Status),
		rec.Text,
		rec.CleanedHTML,
		rec.ScrapedAt,
	)
	return err
}

// Close closes the underlying DB connection.
func (s *PageSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PageSink) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pages (
		    url TEXT PRIMARY KEY,
		    title TEXT,
		    depth INT,
		    parent_url TEXT,
		    status_code INT,
		    content_type TEXT,
		    word_count INT,
		    language TEXT,
		    content_hash TEXT,
		    status TEXT,
		    body_text TEXT,
		    clean_html TEXT,
		    scraped_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_scraped_at ON pages (scraped_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
