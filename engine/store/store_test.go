package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/contentrelay/contentrelay/engine/domain"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func sampleLink(url string) domain.ArticleLink {
	return domain.ArticleLink{
		AccountName: "舞林攻略指南",
		Title:       "一篇文章",
		URL:         url,
		PublishedAt: time.Date(2023, 11, 15, 6, 14, 0, 0, time.UTC),
		SourceType:  domain.SourceWeChat,
	}
}

func TestUpsertLinks_Empty(t *testing.T) {
	s, mock := mockStore(t)
	n, err := s.UpsertLinks(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestUpsertLinks_DedupesByURL(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("INSERT INTO articles").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// Duplicate: MySQL reports two affected rows for an upsert that updated.
	mock.ExpectExec("INSERT INTO articles").
		WillReturnResult(sqlmock.NewResult(1, 2))

	links := []domain.ArticleLink{
		sampleLink("https://mp.weixin.qq.com/s/a"),
		sampleLink("https://mp.weixin.qq.com/s/a"),
	}
	n, err := s.UpsertLinks(context.Background(), links)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertLinks_DuplicateRefreshesFetchedAt(t *testing.T) {
	s, mock := mockStore(t)

	// The upsert must move fetched_at forward on a duplicate; leaving it
	// stale would keep the link-crawl freshness gate permanently open.
	mock.ExpectExec(`ON DUPLICATE KEY UPDATE(.|\n)+fetched_at = VALUES\(fetched_at\)`).
		WillReturnResult(sqlmock.NewResult(1, 2))

	n, err := s.UpsertLinks(context.Background(),
		[]domain.ArticleLink{sampleLink("https://mp.weixin.qq.com/s/a")})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted = %d, want 0 for a duplicate", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertLink_ReturnsRowID(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("INSERT INTO articles").
		WillReturnResult(sqlmock.NewResult(7, 1))
	id, inserted, err := s.UpsertLink(context.Background(), domain.ArticleLink{
		URL:        "https://example.com/post/1",
		SourceType: domain.SourceExternal,
	})
	if err != nil {
		t.Fatalf("upsert link: %v", err)
	}
	if id != 7 || !inserted {
		t.Errorf("id=%d inserted=%v", id, inserted)
	}

	// Duplicate path: LAST_INSERT_ID(id) surfaces the existing row.
	mock.ExpectExec("INSERT INTO articles").
		WillReturnResult(sqlmock.NewResult(42, 2))
	id, inserted, err = s.UpsertLink(context.Background(), domain.ArticleLink{
		URL:        "https://example.com/post/2",
		SourceType: domain.SourceExternal,
	})
	if err != nil {
		t.Fatalf("upsert duplicate: %v", err)
	}
	if id != 42 || inserted {
		t.Errorf("id=%d inserted=%v", id, inserted)
	}
}

func TestUpsertLink_RejectsBadSourceType(t *testing.T) {
	s, mock := mockStore(t)
	_, _, err := s.UpsertLink(context.Background(), domain.ArticleLink{
		URL:        "https://example.com/x",
		SourceType: "mystery",
	})
	if err == nil {
		t.Fatal("want error for unknown source type")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("invalid link should not reach the database: %v", err)
	}
}

func TestUpsertLinks_SkipsInvalid(t *testing.T) {
	s, mock := mockStore(t)
	bad := sampleLink("")
	n, err := s.UpsertLinks(context.Background(), []domain.ArticleLink{bad})
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("invalid link should not reach the database: %v", err)
	}
}

func articleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "account_name", "title", "article_url", "publish_timestamp",
		"source_type", "content", "author", "word_count", "images",
		"crawl_status", "crawl_attempts", "crawl_error", "fetched_at",
		"crawled_at", "forum_tid", "forum_published",
	})
}

func TestClaimPending(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()

	rows := articleRows().AddRow(
		1, "舞林攻略指南", "标题", "https://mp.weixin.qq.com/s/a", now,
		"wechat", "", "", 0, "", "pending", 0, "", now, nil, nil, nil)
	mock.ExpectQuery("SELECT(.|\n)+FROM articles(.|\n)+crawl_status = 'pending' OR content IS NULL").
		WithArgs(5).
		WillReturnRows(rows)

	got, err := s.ClaimPending(context.Background(), 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 || got[0].CrawlStatus != domain.CrawlPending {
		t.Errorf("got %+v", got)
	}
}

func TestClaimPending_LimitZero(t *testing.T) {
	s, mock := mockStore(t)
	got, err := s.ClaimPending(context.Background(), 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("want empty non-nil slice, got %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("limit 0 should not query: %v", err)
	}
}

func TestMarkCompleted_KeepsExistingTitleWhenEmpty(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec("UPDATE articles(.|\n)+crawl_status = 'completed'").
		WithArgs("", "", "正文", "作者", "作者", 120, nil, sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkCompleted(context.Background(), 7, "", "正文", "作者", 120, nil)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkCompleted_StoresImagesAsJSON(t *testing.T) {
	s, mock := mockStore(t)
	images := []domain.ImageRef{
		{URL: "https://cdn.example.com/a.png", Alt: "配图"},
		{URL: "https://cdn.example.com/b.jpg", Width: 640, Height: 480},
	}
	want := `[{"url":"https://cdn.example.com/a.png","alt":"配图"},` +
		`{"url":"https://cdn.example.com/b.jpg","width":640,"height":480}]`

	mock.ExpectExec("UPDATE articles(.|\n)+images = \\?").
		WithArgs("标题", "标题", "正文", "", "", 4, want, sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkCompleted(context.Background(), 9, "标题", "正文", "", 4, images)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkCrawling_IncrementsAttempts(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec("crawl_attempts = crawl_attempts \\+ 1").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.MarkCrawling(context.Background(), 3); err != nil {
		t.Fatalf("mark crawling: %v", err)
	}
}

func TestClaimUnpublished(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	rows := articleRows().AddRow(
		2, "acc", "t", "https://example.com/a", now,
		"wechat", "正文", "", 10, "", "completed", 1, "", now, now, nil, nil)
	mock.ExpectQuery("forum_published IS NULL").
		WithArgs(10).
		WillReturnRows(rows)

	got, err := s.ClaimUnpublished(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim unpublished: %v", err)
	}
	if len(got) != 1 || got[0].Content != "正文" {
		t.Errorf("got %+v", got)
	}
}

func TestMarkPublished_SetsFlag(t *testing.T) {
	s, mock := mockStore(t)
	// forum_published is the tri-state flag, not a timestamp: 1 on success,
	// NULL forever for rows whose publish failed.
	mock.ExpectExec("SET forum_tid = \\?, forum_published = 1").
		WithArgs(int64(10001), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.MarkPublished(context.Background(), 2, 10001); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetByURL(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	rows := articleRows().AddRow(
		3, "acc", "旧标题", "https://example.com/dup", now,
		"external", "已有正文", "", 12, "", "completed", 1, "", now, now, nil, nil)
	mock.ExpectQuery("WHERE article_url = \\?").
		WithArgs("https://example.com/dup").
		WillReturnRows(rows)

	got, err := s.GetByURL(context.Background(), "https://example.com/dup")
	if err != nil {
		t.Fatalf("get by url: %v", err)
	}
	if got == nil || got.ID != 3 || got.CrawlStatus != domain.CrawlCompleted {
		t.Errorf("got %+v", got)
	}

	mock.ExpectQuery("WHERE article_url = \\?").
		WithArgs("https://example.com/missing").
		WillReturnRows(articleRows())
	got, err = s.GetByURL(context.Background(), "https://example.com/missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got != nil {
		t.Errorf("want nil for missing row, got %+v", got)
	}
}

func TestMarkCrawling_RetriesTransientError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec("crawl_attempts = crawl_attempts \\+ 1").
		WithArgs(int64(5)).
		WillReturnError(errors.New("invalid connection"))
	mock.ExpectExec("crawl_attempts = crawl_attempts \\+ 1").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkCrawling(context.Background(), 5); err != nil {
		t.Fatalf("mark crawling should survive one transient failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStats(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"source_type", "total", "completed", "pending", "failed",
		"avg_word_count", "last_crawl_time",
	}).
		AddRow("wechat", 10, 6, 3, 1, 850.5, now).
		AddRow("linux.do", 4, 4, 0, 0, 1200.0, now)
	mock.ExpectQuery("GROUP BY source_type").WillReturnRows(rows)

	got, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows", len(got))
	}
	if got[0].SourceType != domain.SourceWeChat || got[0].Completed != 6 {
		t.Errorf("wechat stats = %+v", got[0])
	}
	if got[0].AvgWordCount != 850.5 {
		t.Errorf("avg = %f", got[0].AvgWordCount)
	}
}

func TestLastFetchedAt_NoRows(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery("SELECT MAX\\(fetched_at\\)").
		WithArgs("没有的号").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	got, err := s.LastFetchedAt(context.Background(), "没有的号")
	if err != nil {
		t.Fatalf("last fetched: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("want zero time, got %v", got)
	}
}
