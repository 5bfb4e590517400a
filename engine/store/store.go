// Package store persists discovered and crawled articles in MySQL. It owns
// the article lifecycle: upsert on discovery, claim for crawling, completion
// or failure, and claim again for forum publishing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/pkg/fn"
)

// articleColumns is the SELECT list with NULL-able columns coalesced.
const articleColumns = `
	id, account_name, title, article_url, publish_timestamp, source_type,
	COALESCE(content, '') AS content, author, word_count,
	COALESCE(images, '') AS images,
	crawl_status, crawl_attempts, COALESCE(crawl_error, '') AS crawl_error,
	fetched_at, crawled_at, forum_tid, forum_published`

// dbRetry bounds the in-call retry for transient connection trouble. Every
// statement the store issues is idempotent, so a blind retry is safe.
var dbRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     2 * time.Second,
	Jitter:      true,
}

// Open connects to MySQL. parseTime is forced on so DATETIME columns scan
// into time.Time.
func Open(dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", domain.ErrConfig)
	}
	db, err := sqlx.Open("mysql", withParseTime(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", domain.ErrDatabase, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func withParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Store is the article repository.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// New creates a Store over an open connection.
func New(db *sqlx.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log.With("component", "store")}
}

// exec runs a statement with the transient-failure retry applied.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return fn.Retry(ctx, dbRetry, func(ctx context.Context) fn.Result[sql.Result] {
		return fn.FromPair(s.db.ExecContext(ctx, query, args...))
	}).Unwrap()
}

// get scans a single row with the retry applied.
func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	_, err := fn.Retry(ctx, dbRetry, func(ctx context.Context) fn.Result[struct{}] {
		if err := s.db.GetContext(ctx, dest, query, args...); err != nil {
			// Missing rows are an answer, not a transient failure.
			if errors.Is(err, sql.ErrNoRows) {
				return fn.Ok(struct{}{})
			}
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	}).Unwrap()
	return err
}

// sel scans multiple rows with the retry applied.
func (s *Store) sel(ctx context.Context, dest any, query string, args ...any) error {
	_, err := fn.Retry(ctx, dbRetry, func(ctx context.Context) fn.Result[struct{}] {
		if err := s.db.SelectContext(ctx, dest, query, args...); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	}).Unwrap()
	return err
}

// EnsureSchema creates the articles table and legacy view if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.exec(ctx, createArticlesTable); err != nil {
		return fmt.Errorf("%w: create articles: %v", domain.ErrDatabase, err)
	}
	if _, err := s.exec(ctx, createLegacyView); err != nil {
		// The view is a convenience; a grant problem should not stop boot.
		s.log.Warn("legacy view creation failed", "err", err)
	}
	return nil
}

const upsertLinkSQL = `
	INSERT INTO articles
		(account_name, title, article_url, publish_timestamp, source_type, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		id = LAST_INSERT_ID(id),
		fetched_at = VALUES(fetched_at)`

// UpsertLinks inserts discovered links, deduplicating by source and URL. On
// a duplicate only fetched_at moves forward; title and content survive.
// Returns the number of newly inserted rows.
func (s *Store) UpsertLinks(ctx context.Context, links []domain.ArticleLink) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}

	inserted := 0
	now := time.Now()
	for _, l := range links {
		if err := domain.ValidateLink(l); err != nil {
			s.log.Warn("skipping invalid link", "url", l.URL, "err", err)
			continue
		}
		res, err := s.exec(ctx, upsertLinkSQL,
			l.AccountName, l.Title, l.URL, l.PublishedAt, l.SourceType, now)
		if err != nil {
			return inserted, fmt.Errorf("%w: upsert %s: %v", domain.ErrDatabase, l.URL, err)
		}
		// MySQL reports 1 for an insert, 2 for a duplicate it updated.
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// UpsertLink stores one link and returns its row id. Unlike UpsertLinks it
// tolerates a missing title and publish time, defaulting the latter to now;
// explicit URL submissions rarely carry either.
func (s *Store) UpsertLink(ctx context.Context, l domain.ArticleLink) (int64, bool, error) {
	if strings.TrimSpace(l.URL) == "" {
		return 0, false, fmt.Errorf("%w: empty url", domain.ErrConfig)
	}
	if !domain.ValidSourceTypes[l.SourceType] {
		return 0, false, fmt.Errorf("%w: source type %q", domain.ErrConfig, l.SourceType)
	}
	if l.PublishedAt.IsZero() {
		l.PublishedAt = time.Now()
	}

	res, err := s.exec(ctx, upsertLinkSQL,
		l.AccountName, l.Title, l.URL, l.PublishedAt, l.SourceType, time.Now())
	if err != nil {
		return 0, false, fmt.Errorf("%w: upsert %s: %v", domain.ErrDatabase, l.URL, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("%w: upsert id %s: %v", domain.ErrDatabase, l.URL, err)
	}
	n, _ := res.RowsAffected()
	return id, n == 1, nil
}

// GetByURL returns the stored article for a URL, or nil when none exists.
func (s *Store) GetByURL(ctx context.Context, url string) (*domain.Article, error) {
	q := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE article_url = ?
		LIMIT 1`

	var out []domain.Article
	if err := s.sel(ctx, &out, q, url); err != nil {
		return nil, fmt.Errorf("%w: get by url %s: %v", domain.ErrDatabase, url, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// ClaimPending returns up to limit articles that still need content: status
// pending, or rows whose content never arrived. A non-positive limit claims
// nothing.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]domain.Article, error) {
	if limit <= 0 {
		return []domain.Article{}, nil
	}
	q := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE crawl_status = 'pending' OR content IS NULL OR content = ''
		ORDER BY fetched_at ASC, publish_timestamp ASC
		LIMIT ?`

	var out []domain.Article
	if err := s.sel(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("%w: claim pending: %v", domain.ErrDatabase, err)
	}
	return out, nil
}

// MarkCrawling transitions an article into the crawling state and counts
// the attempt.
func (s *Store) MarkCrawling(ctx context.Context, id int64) error {
	const q = `
		UPDATE articles
		SET crawl_status = 'crawling', crawl_attempts = crawl_attempts + 1
		WHERE id = ?`
	if _, err := s.exec(ctx, q, id); err != nil {
		return fmt.Errorf("%w: mark crawling %d: %v", domain.ErrDatabase, id, err)
	}
	return nil
}

// MarkCompleted stores extracted content. The title is only replaced when
// the extractor found one. Images are stored JSON-encoded; none means NULL.
func (s *Store) MarkCompleted(ctx context.Context, id int64, title, content, author string, wordCount int, images []domain.ImageRef) error {
	var imagesJSON any
	if len(images) > 0 {
		raw, err := json.Marshal(images)
		if err != nil {
			return fmt.Errorf("%w: encode images for %d: %v", domain.ErrDatabase, id, err)
		}
		imagesJSON = string(raw)
	}

	const q = `
		UPDATE articles
		SET crawl_status = 'completed',
			title = IF(? <> '', ?, title),
			content = ?,
			author = IF(? <> '', ?, author),
			word_count = ?,
			images = ?,
			crawl_error = NULL,
			crawled_at = ?
		WHERE id = ?`
	_, err := s.exec(ctx, q, title, title, content, author, author, wordCount, imagesJSON, time.Now(), id)
	if err != nil {
		return fmt.Errorf("%w: mark completed %d: %v", domain.ErrDatabase, id, err)
	}
	return nil
}

// MarkFailed records a crawl failure.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	const q = `
		UPDATE articles
		SET crawl_status = 'failed', crawl_error = ?
		WHERE id = ?`
	if _, err := s.exec(ctx, q, cause, id); err != nil {
		return fmt.Errorf("%w: mark failed %d: %v", domain.ErrDatabase, id, err)
	}
	return nil
}

// ClaimUnpublished returns completed articles with content that have not
// been republished yet.
func (s *Store) ClaimUnpublished(ctx context.Context, limit int) ([]domain.Article, error) {
	if limit <= 0 {
		return []domain.Article{}, nil
	}
	q := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE crawl_status = 'completed'
			AND forum_published IS NULL
			AND content IS NOT NULL AND content <> ''
		ORDER BY publish_timestamp ASC
		LIMIT ?`

	var out []domain.Article
	if err := s.sel(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("%w: claim unpublished: %v", domain.ErrDatabase, err)
	}
	return out, nil
}

// MarkPublished records the forum thread created for an article. A failed
// publish never reaches here, so forum_published stays NULL and the article
// is claimed again next run.
func (s *Store) MarkPublished(ctx context.Context, id, tid int64) error {
	const q = `
		UPDATE articles
		SET forum_tid = ?, forum_published = 1
		WHERE id = ?`
	if _, err := s.exec(ctx, q, tid, id); err != nil {
		return fmt.Errorf("%w: mark published %d: %v", domain.ErrDatabase, id, err)
	}
	return nil
}

// PendingPublish returns the count and a sample of articles awaiting
// republication.
func (s *Store) PendingPublish(ctx context.Context, sample int) (int, []domain.Article, error) {
	var count int
	const cq = `
		SELECT COUNT(*) FROM articles
		WHERE crawl_status = 'completed'
			AND forum_published IS NULL
			AND content IS NOT NULL AND content <> ''`
	if err := s.get(ctx, &count, cq); err != nil {
		return 0, nil, fmt.Errorf("%w: pending publish count: %v", domain.ErrDatabase, err)
	}
	arts, err := s.ClaimUnpublished(ctx, sample)
	if err != nil {
		return 0, nil, err
	}
	return count, arts, nil
}

// Stats aggregates per-source crawl progress.
func (s *Store) Stats(ctx context.Context) ([]domain.SourceStats, error) {
	const q = `
		SELECT
			source_type,
			COUNT(*) AS total,
			SUM(CASE WHEN crawl_status = 'completed' THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN crawl_status = 'pending' THEN 1 ELSE 0 END) AS pending,
			SUM(CASE WHEN crawl_status = 'failed' THEN 1 ELSE 0 END) AS failed,
			COALESCE(AVG(CASE WHEN crawl_status = 'completed' THEN word_count END), 0) AS avg_word_count,
			MAX(crawled_at) AS last_crawl_time
		FROM articles
		GROUP BY source_type`

	var out []domain.SourceStats
	if err := s.sel(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("%w: stats: %v", domain.ErrDatabase, err)
	}
	return out, nil
}

// LastFetchedAt returns when links for an account were last stored, or the
// zero time when the account has none.
func (s *Store) LastFetchedAt(ctx context.Context, account string) (time.Time, error) {
	const q = `SELECT MAX(fetched_at) FROM articles WHERE account_name = ?`
	var last *time.Time
	if err := s.get(ctx, &last, q, account); err != nil {
		return time.Time{}, fmt.Errorf("%w: last fetch for %s: %v", domain.ErrDatabase, account, err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// PendingCount returns how many articles still need content.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	const q = `
		SELECT COUNT(*) FROM articles
		WHERE crawl_status = 'pending' OR content IS NULL OR content = ''`
	var n int
	if err := s.get(ctx, &n, q); err != nil {
		return 0, fmt.Errorf("%w: pending count: %v", domain.ErrDatabase, err)
	}
	return n, nil
}
