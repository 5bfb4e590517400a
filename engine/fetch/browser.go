// Package fetch drives a real browser to retrieve pages that sit behind
// Cloudflare checks or login walls. It carries a persistent cookie jar,
// injects cookies lazily for the target domain only, and classifies
// Cloudflare outcomes into the shared error taxonomy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/pkg/resilience"
)

// Options configures the browser capability.
type Options struct {
	Headless     bool
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	// NavTimeout bounds a single page load including challenge waits.
	NavTimeout time.Duration
	// CFWait is how long to give a Cloudflare interstitial to clear.
	CFWait time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// RetryDelay is the base delay between attempts, scaled by attempt.
	RetryDelay time.Duration
}

// DefaultOptions returns the stock browser configuration.
func DefaultOptions() Options {
	return Options{
		Headless:     true,
		WindowWidth:  1920,
		WindowHeight: 1080,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		NavTimeout:   60 * time.Second,
		CFWait:       10 * time.Second,
		MaxRetries:   2,
		RetryDelay:   3 * time.Second,
	}
}

// errChallenge marks an interstitial that did not clear; retryable.
var errChallenge = errors.New("cloudflare challenge did not clear")

// Browser fetches pages through a headless Chrome instance. The underlying
// browser process starts lazily on first use.
type Browser struct {
	opts    Options
	jar     *Jar
	log     *slog.Logger
	breaker *resilience.Breaker

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewBrowser creates a Browser. jar may be nil to run without cookies.
func NewBrowser(opts Options, jar *Jar, log *slog.Logger) *Browser {
	if log == nil {
		log = slog.Default()
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = DefaultOptions().NavTimeout
	}
	if opts.CFWait <= 0 {
		opts.CFWait = DefaultOptions().CFWait
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultOptions().RetryDelay
	}
	return &Browser{
		opts: opts,
		jar:  jar,
		log:  log.With("component", "browser"),
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: 5,
			Timeout:       2 * time.Minute,
		}),
	}
}

// Close shuts down the browser process.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCtx = nil
		b.allocCancel = nil
	}
}

// Fetch loads a page and returns its HTML. Cloudflare interstitials are
// waited out and retried; a terminal block surfaces as ErrCloudflareBlocked.
func (b *Browser) Fetch(ctx context.Context, pageURL string) (string, error) {
	var html string
	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		html, err = b.fetchWithRetries(ctx, pageURL)
		return err
	})
	return html, err
}

func (b *Browser) fetchWithRetries(ctx context.Context, pageURL string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		html, err := b.fetchOnce(ctx, pageURL)
		if err == nil {
			return html, nil
		}
		if errors.Is(err, domain.ErrCloudflareBlocked) {
			return "", err
		}
		lastErr = err

		if attempt <= b.opts.MaxRetries {
			delay := retryDelay(b.opts.RetryDelay, attempt)
			b.log.Warn("fetch attempt failed",
				"url", pageURL, "attempt", attempt, "retry_in", delay, "err", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if errors.Is(lastErr, errChallenge) {
		return "", fmt.Errorf("%w: %s", domain.ErrCloudflareBlocked, pageURL)
	}
	return "", fmt.Errorf("fetch %s: %w", pageURL, lastErr)
}

func (b *Browser) fetchOnce(ctx context.Context, pageURL string) (string, error) {
	tab, cancel, err := b.newTab()
	if err != nil {
		return "", err
	}
	defer cancel()

	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	var html string
	err = chromedp.Run(tab,
		b.injectCookies(u),
		chromedp.Navigate(pageURL),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	if IsBlocked(html) {
		return "", fmt.Errorf("%w: %s", domain.ErrCloudflareBlocked, pageURL)
	}
	if !IsInterstitial(html) {
		b.flushCookies(tab, pageURL)
		return html, nil
	}

	b.log.Info("cloudflare check detected, waiting", "url", pageURL, "wait", b.opts.CFWait)
	err = chromedp.Run(tab,
		chromedp.Sleep(b.opts.CFWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("challenge wait: %w", err)
	}
	if IsBlocked(html) {
		return "", fmt.Errorf("%w: %s", domain.ErrCloudflareBlocked, pageURL)
	}
	if IsInterstitial(html) {
		return "", errChallenge
	}
	b.flushCookies(tab, pageURL)
	return html, nil
}

// flushCookies writes the tab's cookies back to the jar after a successful
// load. A cleared Cloudflare challenge mints a clearance cookie here; losing
// it would mean re-solving the challenge on every fetch.
func (b *Browser) flushCookies(tab context.Context, pageURL string) {
	if err := b.persistCookies(tab); err != nil {
		b.log.Warn("cookie persist failed", "url", pageURL, "err", err)
	}
}

// LoginAndSave runs the login flow in a fresh tab and persists the session
// cookies on success.
func (b *Browser) LoginAndSave(ctx context.Context, spec LoginSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab, cancel, err := b.newTab()
	if err != nil {
		return err
	}
	defer cancel()
	return b.Login(tab, spec)
}

// injectCookies sets jar cookies matching the target host. Only the target
// domain's cookies are loaded; replaying every stored domain has caused
// page-load hangs in the past.
func (b *Browser) injectCookies(u *url.URL) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.jar == nil {
			return nil
		}
		cookies := b.jar.ForHost(u.Hostname())
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s for %s: %w", c.Name, c.Domain, err)
			}
		}
		if len(cookies) > 0 {
			b.log.Debug("cookies injected", "host", u.Hostname(), "count", len(cookies))
		}
		return nil
	})
}

// persistCookies stores the browser's current cookies back into the jar.
func (b *Browser) persistCookies(ctx context.Context) error {
	if b.jar == nil {
		return nil
	}
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("read browser cookies: %w", err)
	}
	return stashCookies(b.jar, cookies)
}

// stashCookies groups browser cookies by domain and writes each group into
// the jar.
func stashCookies(jar *Jar, cookies []*network.Cookie) error {
	byDomain := make(map[string][]Cookie)
	for _, c := range cookies {
		byDomain[c.Domain] = append(byDomain[c.Domain], Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	for domainKey, cs := range byDomain {
		if err := jar.Set(domainKey, cs); err != nil {
			return fmt.Errorf("persist cookies for %s: %w", domainKey, err)
		}
	}
	return nil
}

// newTab creates a tab context with the navigation timeout applied.
func (b *Browser) newTab() (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	if b.allocCtx == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.opts.Headless),
			chromedp.WindowSize(b.opts.WindowWidth, b.opts.WindowHeight),
		)
		if b.opts.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(b.opts.UserAgent))
		}
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	alloc := b.allocCtx
	b.mu.Unlock()

	tab, tabCancel := chromedp.NewContext(alloc)
	timed, timeCancel := context.WithTimeout(tab, b.opts.NavTimeout)
	return timed, func() {
		timeCancel()
		tabCancel()
	}, nil
}
