// Package crawler runs the content extraction pass: it claims discovered
// articles from the store, fetches each page through the browser capability,
// extracts and cleans the content, and writes the outcome back.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/engine/extract"
	"github.com/contentrelay/contentrelay/engine/fetch"
	"github.com/contentrelay/contentrelay/pkg/fn"
	"github.com/contentrelay/contentrelay/pkg/metrics"
)

// Fetcher retrieves page HTML. The browser capability satisfies this;
// tests substitute a canned implementation.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
	LoginAndSave(ctx context.Context, spec fetch.LoginSpec) error
}

// ArticleStore is the slice of the store the crawler needs.
type ArticleStore interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.Article, error)
	MarkCrawling(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, title, content, author string, wordCount int, images []domain.ImageRef) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	GetByURL(ctx context.Context, url string) (*domain.Article, error)
	UpsertLink(ctx context.Context, link domain.ArticleLink) (int64, bool, error)
}

// SiteCredentials hold a login for one site.
type SiteCredentials struct {
	Username string
	Password string
}

// Deps wires the crawler's collaborators.
type Deps struct {
	Store     ArticleStore
	Fetcher   Fetcher
	Extractor *extract.Extractor
	WeChat    *extract.WeChatOptimizer
	// Credentials by hostname, for sites whose rule requires login.
	Credentials map[string]SiteCredentials
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Summary reports one crawl run.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Per-URL outcomes for explicit URL crawls.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// URLResult is the outcome of crawling one explicit URL.
type URLResult struct {
	URL       string `json:"url"`
	Status    string `json:"status"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	WordCount int    `json:"word_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Crawler drives the content extraction pass.
type Crawler struct {
	deps     Deps
	log      *slog.Logger
	loggedIn map[string]bool
}

// New creates a Crawler.
func New(deps Deps) *Crawler {
	if deps.Extractor == nil {
		deps.Extractor = extract.New(nil, deps.Logger)
	}
	if deps.WeChat == nil {
		deps.WeChat = extract.NewWeChatOptimizer(deps.Extractor, nil, deps.Logger)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Crawler{
		deps:     deps,
		log:      log.With("component", "crawler"),
		loggedIn: make(map[string]bool),
	}
}

// Run claims up to limit pending articles and crawls them in batches of
// batchSize. Per-article failures are recorded and do not stop the run.
func (c *Crawler) Run(ctx context.Context, limit, batchSize int) (Summary, error) {
	articles, err := c.deps.Store.ClaimPending(ctx, limit)
	if err != nil {
		return Summary{}, err
	}
	if batchSize <= 0 {
		batchSize = 5
	}

	sum := Summary{Total: len(articles)}
	for _, batch := range fn.Chunk(articles, batchSize) {
		for _, a := range batch {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if err := c.crawlOne(ctx, a); err != nil {
				sum.Failed++
				c.count("failed")
				c.log.Warn("article crawl failed", "id", a.ID, "url", a.URL, "err", err)
				continue
			}
			sum.Completed++
			c.count("completed")
		}
		c.log.Info("crawl batch done",
			"batch", len(batch), "completed", sum.Completed, "failed", sum.Failed)
	}
	return sum, nil
}

// CrawlURLs crawls an explicit URL list through the store. URLs whose
// content already exists are reported skipped; new ones are upserted,
// crawled, and persisted like any discovered article.
func (c *Crawler) CrawlURLs(ctx context.Context, urls []string, sourceType domain.SourceType, sourceName string) []URLResult {
	if sourceType == "" {
		sourceType = domain.SourceExternal
	}
	out := make([]URLResult, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			break
		}
		out = append(out, c.crawlURL(ctx, u, sourceType, sourceName))
	}
	return out
}

func (c *Crawler) crawlURL(ctx context.Context, pageURL string, sourceType domain.SourceType, sourceName string) URLResult {
	existing, err := c.deps.Store.GetByURL(ctx, pageURL)
	if err != nil {
		return URLResult{URL: pageURL, Status: OutcomeFailed, Error: err.Error()}
	}
	if existing != nil && existing.CrawlStatus == domain.CrawlCompleted && existing.Content != "" {
		c.log.Info("url already crawled, skipping", "url", pageURL, "id", existing.ID)
		return URLResult{
			URL:       pageURL,
			Status:    OutcomeSkipped,
			Title:     existing.Title,
			WordCount: existing.WordCount,
		}
	}

	id := int64(0)
	if existing != nil {
		id = existing.ID
	} else {
		id, _, err = c.deps.Store.UpsertLink(ctx, domain.ArticleLink{
			AccountName: sourceName,
			URL:         pageURL,
			SourceType:  sourceType,
		})
		if err != nil {
			return URLResult{URL: pageURL, Status: OutcomeFailed, Error: err.Error()}
		}
	}

	if err := c.deps.Store.MarkCrawling(ctx, id); err != nil {
		return URLResult{URL: pageURL, Status: OutcomeFailed, Error: err.Error()}
	}
	ext, err := c.fetchAndExtract(ctx, pageURL, sourceName)
	if err != nil {
		if markErr := c.deps.Store.MarkFailed(ctx, id, err.Error()); markErr != nil {
			c.log.Warn("mark failed did not stick", "id", id, "err", markErr)
		}
		return URLResult{URL: pageURL, Status: OutcomeFailed, Error: err.Error()}
	}
	if err := c.deps.Store.MarkCompleted(ctx, id, ext.Title, ext.Content, ext.Author, ext.WordCount, ext.Images); err != nil {
		return URLResult{URL: pageURL, Status: OutcomeFailed, Error: err.Error()}
	}
	return URLResult{
		URL:       pageURL,
		Status:    OutcomeSuccess,
		Title:     ext.Title,
		Content:   ext.Content,
		WordCount: ext.WordCount,
	}
}

func (c *Crawler) crawlOne(ctx context.Context, a domain.Article) error {
	if err := c.deps.Store.MarkCrawling(ctx, a.ID); err != nil {
		return err
	}

	start := time.Now()
	ext, err := c.fetchAndExtract(ctx, a.URL, a.AccountName)
	c.observe(start)
	if err != nil {
		if markErr := c.deps.Store.MarkFailed(ctx, a.ID, err.Error()); markErr != nil {
			return fmt.Errorf("%v (mark failed: %w)", err, markErr)
		}
		return err
	}

	return c.deps.Store.MarkCompleted(ctx, a.ID, ext.Title, ext.Content, ext.Author, ext.WordCount, ext.Images)
}

// fetchAndExtract fetches a page, handling login for gated sites, and runs
// the extraction path appropriate for the host.
func (c *Crawler) fetchAndExtract(ctx context.Context, pageURL, account string) (extract.Extracted, error) {
	if err := c.ensureLogin(ctx, pageURL); err != nil {
		return extract.Extracted{}, err
	}

	fetchStage := fn.TracedStage("crawl.fetch", func(ctx context.Context, u string) fn.Result[string] {
		return fn.FromPair(c.deps.Fetcher.Fetch(ctx, u))
	})
	html, err := fetchStage(ctx, pageURL).Unwrap()
	if err != nil {
		return extract.Extracted{}, domain.NewCrawlError("fetch", pageURL, err)
	}

	if isWeChatURL(pageURL) {
		opt, err := c.deps.WeChat.Optimize(pageURL, html, account)
		if err != nil {
			return extract.Extracted{}, domain.NewCrawlError("extract", pageURL, err)
		}
		out := extract.Extracted{
			Title:     opt.Title,
			Content:   opt.Content,
			WordCount: opt.WordCount,
		}
		// The optimizer produces cleaned text only; images come from a
		// best-effort selector pass over the same page.
		if ext, err := c.deps.Extractor.Extract(pageURL, html); err == nil {
			out.Images = ext.Images
		}
		return out, nil
	}

	ext, err := c.deps.Extractor.Extract(pageURL, html)
	if err != nil {
		return extract.Extracted{}, domain.NewCrawlError("extract", pageURL, err)
	}
	return ext, nil
}

// ensureLogin logs into the page's site once per run when its rule requires
// it and credentials are configured.
func (c *Crawler) ensureLogin(ctx context.Context, pageURL string) error {
	rule, ok := c.deps.Extractor.Rule(pageURL)
	if !ok || !rule.RequiresLogin {
		return nil
	}

	u, err := url.Parse(pageURL)
	if err != nil {
		return domain.NewCrawlError("login", pageURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if c.loggedIn[host] {
		return nil
	}

	creds, ok := c.deps.Credentials[host]
	if !ok {
		c.log.Warn("site requires login but no credentials configured", "host", host)
		return nil
	}

	spec := fetch.LoginSpec{
		LoginURL:         rule.LoginURL,
		Username:         creds.Username,
		Password:         creds.Password,
		UsernameSelector: rule.UsernameSelector,
		PasswordSelector: rule.PasswordSelector,
		SubmitSelector:   rule.SubmitSelector,
		SuccessSelectors: rule.SuccessSelectors,
	}
	if err := c.deps.Fetcher.LoginAndSave(ctx, spec); err != nil {
		return domain.NewCrawlError("login", pageURL, err)
	}
	c.loggedIn[host] = true
	return nil
}

func isWeChatURL(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "mp.weixin.qq.com")
}

func (c *Crawler) count(status string) {
	if c.deps.Metrics == nil {
		return
	}
	c.deps.Metrics.Counter(
		metrics.WithLabels("crawler_articles_total", "status", status),
		"Articles processed by the content crawler.",
	).Inc()
}

func (c *Crawler) observe(start time.Time) {
	if c.deps.Metrics == nil {
		return
	}
	c.deps.Metrics.Histogram(
		"crawler_fetch_seconds",
		"Time spent fetching and extracting one article.",
		nil,
	).Since(start)
}
