// Package domain defines core domain types, statuses, and the error taxonomy
// shared by the discovery, crawl, and publish pipeline.
package domain

import "time"

// SourceType identifies where an article was discovered.
type SourceType string

const (
	SourceWeChat   SourceType = "wechat"
	SourceLinuxDo  SourceType = "linux.do"
	SourceNodeseek SourceType = "nodeseek.com"
	SourceExternal SourceType = "external"
)

// ValidSourceTypes is the set of recognised source types.
var ValidSourceTypes = map[SourceType]bool{
	SourceWeChat: true, SourceLinuxDo: true, SourceNodeseek: true, SourceExternal: true,
}

// CrawlStatus is the content-extraction lifecycle state of an article.
type CrawlStatus string

const (
	CrawlPending   CrawlStatus = "pending"
	CrawlCrawling  CrawlStatus = "crawling"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
)

// ValidCrawlStatuses is the set of recognised crawl statuses.
var ValidCrawlStatuses = map[CrawlStatus]bool{
	CrawlPending: true, CrawlCrawling: true, CrawlCompleted: true, CrawlFailed: true,
}

// ArticleLink is a discovered article reference before content extraction.
type ArticleLink struct {
	AccountName string     `json:"account_name"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	PublishedAt time.Time  `json:"publish_timestamp"`
	SourceType  SourceType `json:"source_type"`
}

// ImageRef is one image found in extracted content. Only URL is always
// present; the rest mirror whatever attributes the page carried.
type ImageRef struct {
	URL    string `json:"url"`
	Alt    string `json:"alt,omitempty"`
	Title  string `json:"title,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Article is the canonical stored article row.
type Article struct {
	ID            int64       `db:"id" json:"id"`
	AccountName   string      `db:"account_name" json:"account_name"`
	Title         string      `db:"title" json:"title"`
	URL           string      `db:"article_url" json:"url"`
	PublishedAt   time.Time   `db:"publish_timestamp" json:"publish_timestamp"`
	SourceType    SourceType  `db:"source_type" json:"source_type"`
	Content       string      `db:"content" json:"content,omitempty"`
	Author        string      `db:"author" json:"author,omitempty"`
	WordCount     int         `db:"word_count" json:"word_count"`
	// Images holds the JSON-encoded []ImageRef as stored; empty when none.
	Images        string      `db:"images" json:"images,omitempty"`
	CrawlStatus   CrawlStatus `db:"crawl_status" json:"crawl_status"`
	CrawlAttempts int         `db:"crawl_attempts" json:"crawl_attempts"`
	CrawlError    string      `db:"crawl_error" json:"crawl_error,omitempty"`
	FetchedAt     time.Time   `db:"fetched_at" json:"fetched_at"`
	CrawledAt     *time.Time  `db:"crawled_at" json:"crawled_at,omitempty"`
	ForumTID      *int64      `db:"forum_tid" json:"forum_tid,omitempty"`
	// ForumPublished is tri-state: nil means never published, true means a
	// thread exists. Failed publishes stay nil so the next run retries them.
	ForumPublished *bool `db:"forum_published" json:"forum_published,omitempty"`
}

// SourceStats summarises per-source crawl progress.
type SourceStats struct {
	SourceType   SourceType `db:"source_type" json:"source_type"`
	Total        int        `db:"total" json:"total"`
	Completed    int        `db:"completed" json:"completed"`
	Pending      int        `db:"pending" json:"pending"`
	Failed       int        `db:"failed" json:"failed"`
	AvgWordCount float64    `db:"avg_word_count" json:"avg_word_count"`
	LastCrawlAt  *time.Time `db:"last_crawl_time" json:"last_crawl_time,omitempty"`
}
