// Package wechat discovers article links published by WeChat Official
// Accounts through the mp.weixin.qq.com management API. It resolves account
// names to fakeids, lists recent publishes, and classifies platform errors
// so callers can distinguish expired credentials from rate limiting.
package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/pkg/fn"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the platform management API origin.
	DefaultBaseURL = "https://mp.weixin.qq.com"
	// userAgent matches a desktop Chrome session; the API rejects obvious bots.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36"
	// pageSize is the per-request article page size the API accepts.
	pageSize = 5
)

// Credentials authenticate requests against the management API.
type Credentials struct {
	Token  string `json:"token"`
	Cookie string `json:"cookie"`
}

// Valid reports whether both fields are present.
func (c Credentials) Valid() bool { return c.Token != "" && c.Cookie != "" }

// Config controls the discovery client.
type Config struct {
	BaseURL string
	Creds   Credentials
	// RequestInterval paces consecutive API calls. Defaults to one second.
	RequestInterval time.Duration
}

// Client lists published articles for configured accounts.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	cache   *FakeIDCache
	log     *slog.Logger
}

// NewClient creates a discovery client. cache may be nil to disable the
// name-to-fakeid cache file.
func NewClient(cfg Config, cache *FakeIDCache, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		cache:   cache,
		log:     log.With("component", "wechat"),
	}
}

// Authenticated reports whether credentials are configured.
func (c *Client) Authenticated() bool { return c.cfg.Creds.Valid() }

// ResolveFakeID maps an account display name to its fakeid, consulting the
// cache before the search API. Resolved ids are written back to the cache.
func (c *Client) ResolveFakeID(ctx context.Context, name string) (string, error) {
	if c.cache != nil {
		if id, ok := c.cache.Get(name); ok {
			return id, nil
		}
	}

	q := url.Values{
		"action": {"search_biz"},
		"begin":  {"0"},
		"count":  {"5"},
		"query":  {name},
		"token":  {c.cfg.Creds.Token},
		"lang":   {"zh_CN"},
		"f":      {"json"},
		"ajax":   {"1"},
	}

	var resp searchBizResponse
	if err := c.getJSON(ctx, "/cgi-bin/searchbiz", q, &resp); err != nil {
		return "", fmt.Errorf("search account %q: %w", name, err)
	}
	if err := classifyAPIError(resp.BaseResp); err != nil {
		return "", fmt.Errorf("search account %q: %w", name, err)
	}
	if len(resp.List) == 0 {
		return "", fmt.Errorf("account %q not found", name)
	}

	// Prefer an exact nickname match, fall back to the first hit.
	id := resp.List[0].FakeID
	for _, item := range resp.List {
		if item.Nickname == name {
			id = item.FakeID
			break
		}
	}

	if c.cache != nil {
		if err := c.cache.Put(name, id); err != nil {
			c.log.Warn("fakeid cache write failed", "account", name, "err", err)
		}
	}
	return id, nil
}

// ListArticles returns up to limit recent article links for an account.
// Entries without a create_time are skipped.
func (c *Client) ListArticles(ctx context.Context, account string, limit int) ([]domain.ArticleLink, error) {
	if limit <= 0 {
		return nil, nil
	}
	fakeid, err := c.ResolveFakeID(ctx, account)
	if err != nil {
		return nil, err
	}

	count := limit
	if count > pageSize {
		count = pageSize
	}

	var links []domain.ArticleLink
	for begin := 0; len(links) < limit; begin += count {
		q := url.Values{
			"sub":               {"list"},
			"search_field":      {"null"},
			"begin":             {strconv.Itoa(begin)},
			"count":             {strconv.Itoa(count)},
			"query":             {""},
			"fakeid":            {fakeid},
			"type":              {"101_1"},
			"free_publish_type": {"1"},
			"sub_action":        {"list_ex"},
			"token":             {c.cfg.Creds.Token},
			"lang":              {"zh_CN"},
			"f":                 {"json"},
			"ajax":              {"1"},
		}

		var resp publishResponse
		if err := c.getJSON(ctx, "/cgi-bin/appmsgpublish", q, &resp); err != nil {
			return links, fmt.Errorf("list %q: %w", account, err)
		}
		if err := classifyAPIError(resp.BaseResp); err != nil {
			return links, fmt.Errorf("list %q: %w", account, err)
		}

		page, err := decodePublishPage(resp.PublishPage)
		if err != nil {
			return links, fmt.Errorf("list %q: %w", account, err)
		}
		if len(page) == 0 {
			break
		}

		for _, msg := range page {
			if msg.CreateTime == 0 {
				c.log.Debug("skipping entry without create_time", "account", account, "title", msg.Title)
				continue
			}
			links = append(links, domain.ArticleLink{
				AccountName: account,
				Title:       msg.Title,
				URL:         msg.Link,
				PublishedAt: PublishTime(msg.CreateTime),
				SourceType:  domain.SourceWeChat,
			})
			if len(links) == limit {
				break
			}
		}
	}
	return links, nil
}

// CrawlAll lists articles for every account, up to limitPerAccount each and
// totalLimit overall. Per-account failures are logged and skipped unless
// they indicate expired credentials or rate limiting, which abort the run.
func (c *Client) CrawlAll(ctx context.Context, accounts []string, limitPerAccount, totalLimit int) ([]domain.ArticleLink, error) {
	var all []domain.ArticleLink
	for _, account := range accounts {
		if totalLimit > 0 && len(all) >= totalLimit {
			break
		}
		limit := limitPerAccount
		if totalLimit > 0 && totalLimit-len(all) < limit {
			limit = totalLimit - len(all)
		}

		links, err := c.ListArticles(ctx, account, limit)
		all = append(all, links...)
		if err != nil {
			if isFatal(err) {
				return all, err
			}
			c.log.Warn("account discovery failed", "account", account, "err", err)
			continue
		}
		c.log.Info("account discovered", "account", account, "links", len(links))
	}
	return all, nil
}

func isFatal(err error) bool {
	return errors.Is(err, domain.ErrCredentialsExpired) || errors.Is(err, domain.ErrRateLimited)
}

// getJSON performs a paced, retried GET against the API and decodes the body.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.cfg.BaseURL + path + "?" + q.Encode()
	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: 2 * time.Second,
		MaxWait:     15 * time.Second,
		Jitter:      true,
	}, func(ctx context.Context) fn.Result[[]byte] {
		return c.doGet(ctx, u)
	})

	body, err := result.Unwrap()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, u string) fn.Result[[]byte] {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fn.Err[[]byte](err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", DefaultBaseURL+"/")
	req.Header.Set("Cookie", c.cfg.Creds.Cookie)

	resp, err := c.client.Do(req)
	if err != nil {
		return fn.Err[[]byte](err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fn.Err[[]byte](fmt.Errorf("http %d from %s", resp.StatusCode, u))
	}
	if resp.StatusCode != http.StatusOK {
		return fn.Err[[]byte](fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fn.Err[[]byte](fmt.Errorf("read body: %w", err))
	}
	return fn.Ok(body)
}

// decodePublishPage unwraps the doubly nested publish_page document into a
// flat list of article entries.
func decodePublishPage(raw string) ([]appMsgEx, error) {
	if raw == "" {
		return nil, nil
	}
	var page publishPage
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return nil, fmt.Errorf("decode publish_page: %w", err)
	}

	var msgs []appMsgEx
	for _, item := range page.PublishList {
		if item.PublishInfo == "" {
			continue
		}
		var info publishInfo
		if err := json.Unmarshal([]byte(item.PublishInfo), &info); err != nil {
			return msgs, fmt.Errorf("decode publish_info: %w", err)
		}
		msgs = append(msgs, info.AppMsgEx...)
	}
	return msgs, nil
}

// classifyAPIError maps a non-zero envelope status onto the error taxonomy.
func classifyAPIError(br baseResp) error {
	if br.Ret == 0 {
		return nil
	}
	msg := strings.ToLower(br.ErrMsg)
	switch {
	case strings.Contains(msg, "invalid session"),
		strings.Contains(msg, "invalid csrf token"),
		strings.Contains(msg, "missing session"),
		strings.Contains(msg, "missing csrf token"):
		return fmt.Errorf("%w: ret=%d msg=%q", domain.ErrCredentialsExpired, br.Ret, br.ErrMsg)
	case strings.Contains(msg, "freq control"):
		return fmt.Errorf("%w: ret=%d msg=%q", domain.ErrRateLimited, br.Ret, br.ErrMsg)
	default:
		return fmt.Errorf("platform api error: ret=%d msg=%q", br.Ret, br.ErrMsg)
	}
}
