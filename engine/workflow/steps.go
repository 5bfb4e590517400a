package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/contentrelay/contentrelay/engine/crawler"
	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/engine/publish"
)

// Step names as they appear in journals and the API.
const (
	StepLinkCrawl    = "link_crawl"
	StepContentCrawl = "content_crawl"
	StepForumPublish = "forum_publish"
)

// linkFreshness is how recently an account must have been fetched for the
// link crawl gate to consider it covered.
const linkFreshness = 12 * time.Hour

// LinkSource discovers article links. The WeChat platform client satisfies
// this.
type LinkSource interface {
	CrawlAll(ctx context.Context, accounts []string, limitPerAccount, totalLimit int) ([]domain.ArticleLink, error)
}

// GateStore is the slice of the store the step gates consult.
type GateStore interface {
	UpsertLinks(ctx context.Context, links []domain.ArticleLink) (int, error)
	LastFetchedAt(ctx context.Context, account string) (time.Time, error)
	PendingCount(ctx context.Context) (int, error)
	PendingPublish(ctx context.Context, sample int) (int, []domain.Article, error)
}

// ContentCrawler runs the content extraction pass.
type ContentCrawler interface {
	Run(ctx context.Context, limit, batchSize int) (crawler.Summary, error)
}

// ForumPublisher runs the publish pass.
type ForumPublisher interface {
	Run(ctx context.Context, limit int) (publish.BatchSummary, error)
}

// StepConfig tunes one step.
type StepConfig struct {
	Timeout time.Duration
	Retries int
}

// PipelineConfig collects per-step tuning and work limits.
type PipelineConfig struct {
	LinkCrawl    StepConfig
	ContentCrawl StepConfig
	ForumPublish StepConfig

	// Link discovery limits.
	Accounts        []string
	LimitPerAccount int
	TotalLinkLimit  int

	// Content crawl limits.
	CrawlLimit     int
	CrawlBatchSize int

	// Publish limit.
	PublishLimit int
}

// DefaultPipelineConfig mirrors the production tuning.
func DefaultPipelineConfig(accounts []string) PipelineConfig {
	return PipelineConfig{
		LinkCrawl:       StepConfig{Timeout: 600 * time.Second, Retries: 2},
		ContentCrawl:    StepConfig{Timeout: 1800 * time.Second, Retries: 1},
		ForumPublish:    StepConfig{Timeout: 3600 * time.Second, Retries: 1},
		Accounts:        accounts,
		LimitPerAccount: 10,
		TotalLinkLimit:  50,
		CrawlLimit:      50,
		CrawlBatchSize:  5,
		PublishLimit:    100,
	}
}

// PipelineDeps are the collaborators behind the three steps.
type PipelineDeps struct {
	Links     LinkSource
	Store     GateStore
	Crawler   ContentCrawler
	Publisher ForumPublisher
}

// PipelineSteps builds the standard three-step pipeline.
//
// Gate semantics differ per step. Link crawl defaults to running when its
// freshness check errors, since missing a discovery pass is worse than a
// redundant one. The later steps default to skipping on gate errors, since
// running them against an unreadable store cannot succeed anyway.
func PipelineSteps(cfg PipelineConfig, deps PipelineDeps) []Step {
	return []Step{
		{
			Name:    StepLinkCrawl,
			Timeout: cfg.LinkCrawl.Timeout,
			Retries: cfg.LinkCrawl.Retries,
			Gate: func(ctx context.Context) (GateDecision, error) {
				return linkCrawlGate(ctx, deps.Store, cfg.Accounts)
			},
			SkipOnGateError: false,
			Run: func(ctx context.Context) (map[string]any, error) {
				// Freshly covered accounts sit the pass out; only the stale
				// ones are crawled, each under its own per-account limit.
				accounts, err := staleAccounts(ctx, deps.Store, cfg.Accounts)
				if err != nil || len(accounts) == 0 {
					accounts = cfg.Accounts
				}
				links, err := deps.Links.CrawlAll(ctx, accounts, cfg.LimitPerAccount, cfg.TotalLinkLimit)
				if err != nil {
					return nil, err
				}
				inserted, err := deps.Store.UpsertLinks(ctx, links)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"accounts":   len(accounts),
					"discovered": len(links),
					"inserted":   inserted,
				}, nil
			},
		},
		{
			Name:    StepContentCrawl,
			Timeout: cfg.ContentCrawl.Timeout,
			Retries: cfg.ContentCrawl.Retries,
			Gate: func(ctx context.Context) (GateDecision, error) {
				n, err := deps.Store.PendingCount(ctx)
				if err != nil {
					return GateDecision{}, err
				}
				if n == 0 {
					return GateDecision{Skip: true, Reason: "no pending articles"}, nil
				}
				return GateDecision{Reason: fmt.Sprintf("%d pending", n)}, nil
			},
			SkipOnGateError: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				sum, err := deps.Crawler.Run(ctx, cfg.CrawlLimit, cfg.CrawlBatchSize)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"total":     sum.Total,
					"completed": sum.Completed,
					"failed":    sum.Failed,
					"skipped":   sum.Skipped,
				}, nil
			},
		},
		{
			Name:    StepForumPublish,
			Timeout: cfg.ForumPublish.Timeout,
			Retries: cfg.ForumPublish.Retries,
			Gate: func(ctx context.Context) (GateDecision, error) {
				n, _, err := deps.Store.PendingPublish(ctx, 0)
				if err != nil {
					return GateDecision{}, err
				}
				if n == 0 {
					return GateDecision{Skip: true, Reason: "nothing to publish"}, nil
				}
				return GateDecision{Reason: fmt.Sprintf("%d unpublished", n)}, nil
			},
			SkipOnGateError: true,
			Run: func(ctx context.Context) (map[string]any, error) {
				sum, err := deps.Publisher.Run(ctx, cfg.PublishLimit)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"total":     sum.Total,
					"published": sum.Published,
					"failed":    sum.Failed,
				}, nil
			},
		},
	}
}

// staleAccounts returns the accounts whose links were last fetched longer
// than linkFreshness ago, or never.
func staleAccounts(ctx context.Context, store GateStore, accounts []string) ([]string, error) {
	cutoff := time.Now().Add(-linkFreshness)
	var stale []string
	for _, account := range accounts {
		last, err := store.LastFetchedAt(ctx, account)
		if err != nil {
			return nil, err
		}
		if last.IsZero() || last.Before(cutoff) {
			stale = append(stale, account)
		}
	}
	return stale, nil
}

// linkCrawlGate skips discovery when every account was fetched recently.
func linkCrawlGate(ctx context.Context, store GateStore, accounts []string) (GateDecision, error) {
	if len(accounts) == 0 {
		return GateDecision{Skip: true, Reason: "no accounts configured"}, nil
	}
	stale, err := staleAccounts(ctx, store, accounts)
	if err != nil {
		return GateDecision{}, err
	}
	if len(stale) == 0 {
		return GateDecision{Skip: true, Reason: "all accounts fetched recently"}, nil
	}
	return GateDecision{Reason: fmt.Sprintf("%d of %d accounts need a fetch", len(stale), len(accounts))}, nil
}
