// Package main implements the content relay API server: workflow triggers,
// crawl and publish endpoints, statistics, and cron schedules.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/contentrelay/contentrelay/engine/crawler"
	"github.com/contentrelay/contentrelay/engine/extract"
	"github.com/contentrelay/contentrelay/engine/fetch"
	"github.com/contentrelay/contentrelay/engine/publish"
	"github.com/contentrelay/contentrelay/engine/store"
	"github.com/contentrelay/contentrelay/engine/wechat"
	"github.com/contentrelay/contentrelay/engine/workflow"
	"github.com/contentrelay/contentrelay/pkg/config"
	"github.com/contentrelay/contentrelay/pkg/metrics"
	"github.com/contentrelay/contentrelay/pkg/mid"
	"github.com/contentrelay/contentrelay/pkg/resilience"
)

// Config holds all environment-based configuration. Everything tunable at
// runtime lives in the JSON settings file instead.
type Config struct {
	Port         string
	SettingsPath string
	MySQLDSN     string
	DiscuzDSN    string
	NATSURL      string
	CORSOrigin   string
	JournalDir   string
	ScheduleFile string
	CookieFile   string
	FakeIDCache  string
}

func loadConfig() Config {
	return Config{
		Port:         envOr("PORT", "8080"),
		SettingsPath: envOr("SETTINGS_PATH", "settings.json"),
		MySQLDSN:     envOr("MYSQL_DSN", "root:root@tcp(localhost:3306)/content"),
		DiscuzDSN:    envOr("DISCUZ_DSN", "root:root@tcp(localhost:3306)/discuz"),
		NATSURL:      envOr("NATS_URL", ""),
		CORSOrigin:   envOr("CORS_ORIGIN", "*"),
		JournalDir:   envOr("JOURNAL_DIR", "journal"),
		ScheduleFile: envOr("SCHEDULE_FILE", "schedules.json"),
		CookieFile:   envOr("COOKIE_FILE", "cookies.json"),
		FakeIDCache:  envOr("FAKEID_CACHE", "fakeid_cache.json"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(cfg.SettingsPath, defaultSettings())
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := settings.Watch(ctx, logger); err != nil {
		logger.Warn("settings watch disabled", "err", err)
	}

	// --- Article store (MySQL) ---
	db, err := store.Open(cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open article db: %w", err)
	}
	defer db.Close()
	st := store.New(db, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// --- Discuz forum database ---
	forumDB, err := store.Open(cfg.DiscuzDSN)
	if err != nil {
		return fmt.Errorf("open forum db: %w", err)
	}
	defer forumDB.Close()
	publisher := publish.NewPublisher(forumDB, forumConfig(settings), logger)
	batch := publish.NewBatch(publisher, st, batchOptions(settings), logger)

	// --- WeChat platform client ---
	cache, err := wechat.OpenFakeIDCache(cfg.FakeIDCache)
	if err != nil {
		return fmt.Errorf("open fakeid cache: %w", err)
	}
	links := wechat.NewClient(wechat.Config{
		Creds: wechat.Credentials{
			Token:  settings.GetString("wechat.token", ""),
			Cookie: settings.GetString("wechat.cookie", ""),
		},
	}, cache, logger)

	// --- Browser-backed fetching and extraction ---
	jar, err := fetch.OpenJar(cfg.CookieFile, logger)
	if err != nil {
		return fmt.Errorf("open cookie jar: %w", err)
	}
	opts := fetch.DefaultOptions()
	opts.Headless = settings.GetBool("browser.headless", true)
	browser := fetch.NewBrowser(opts, jar, logger)
	defer browser.Close()

	reg := metrics.New()
	extractor := extract.New(extract.NewRegistry(), logger)
	optimizer := extract.NewWeChatOptimizer(extractor, authorRules(settings), logger)
	contentCrawler := crawler.New(crawler.Deps{
		Store:       st,
		Fetcher:     browser,
		Extractor:   extractor,
		WeChat:      optimizer,
		Credentials: siteCredentials(settings),
		Metrics:     reg,
		Logger:      logger,
	})

	// --- Workflow engine ---
	journal, err := workflow.OpenJournal(cfg.JournalDir)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats unavailable, events disabled", "err", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}
	pipeCfg := pipelineConfig(settings)
	pipeDeps := workflow.PipelineDeps{
		Links:     links,
		Store:     st,
		Crawler:   contentCrawler,
		Publisher: batch,
	}
	// One gate across the default engine and every parameterised one: only
	// a single execution may run at a time regardless of who started it.
	gate := workflow.NewGate()
	engine := workflow.NewEngine(journal, workflow.PipelineSteps(pipeCfg, pipeDeps), nc, logger).WithGate(gate)

	// --- HTTP surface ---
	srv := newServer(serverDeps{
		engine: engine,
		engineWith: func(p runParams) workflowEngine {
			cfg := pipeCfg
			if p.LimitPerAccount > 0 {
				cfg.LimitPerAccount = p.LimitPerAccount
			}
			if p.TotalLinkLimit > 0 {
				cfg.TotalLinkLimit = p.TotalLinkLimit
			}
			if p.CrawlLimit > 0 {
				cfg.CrawlLimit = p.CrawlLimit
			}
			if p.CrawlBatchSize > 0 {
				cfg.CrawlBatchSize = p.CrawlBatchSize
			}
			if p.PublishLimit > 0 {
				cfg.PublishLimit = p.PublishLimit
			}
			return workflow.NewEngine(journal, workflow.PipelineSteps(cfg, pipeDeps), nc, logger).WithGate(gate)
		},
		journal: journal,
		stats:   st,
		runLinks: func(ctx context.Context, accounts []string, limit int) (map[string]any, error) {
			if len(accounts) == 0 {
				accounts = pipeCfg.Accounts
			}
			if limit <= 0 {
				limit = pipeCfg.LimitPerAccount
			}
			found, err := links.CrawlAll(ctx, accounts, limit, pipeCfg.TotalLinkLimit)
			if err != nil {
				return nil, err
			}
			inserted, err := st.UpsertLinks(ctx, found)
			if err != nil {
				return nil, err
			}
			return map[string]any{"discovered": len(found), "inserted": inserted}, nil
		},
		runContent: contentCrawler.Run,
		crawlURLs:  contentCrawler.CrawlURLs,
		runPublish: batch.Run,
		metrics:    reg,
		log:        logger,
	})

	sched, err := newScheduler(cfg.ScheduleFile, srv.runTask, logger)
	if err != nil {
		return fmt.Errorf("open schedules: %w", err)
	}
	srv.sched = sched
	sched.Start()
	defer sched.Stop()

	limiter := resilience.NewLimiter(resilience.LimiterOpts{
		Rate:  settings.GetFloat("api.rate_limit", 20),
		Burst: settings.GetInt("api.rate_burst", 40),
	})
	handler := mid.Chain(srv.routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(limiter),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// defaultSettings are the compiled-in settings the JSON file overrides.
func defaultSettings() map[string]any {
	return map[string]any{
		"wechat": map[string]any{
			"token":    "",
			"cookie":   "",
			"accounts": []any{},
		},
		"forum": map[string]any{
			"fid":          2,
			"uid":          4,
			"username":     "",
			"table_prefix": "pre_",
		},
		"publish": map[string]any{
			"interval_min_seconds": 60,
			"interval_max_seconds": 120,
		},
		"browser": map[string]any{
			"headless": true,
		},
	}
}

func forumConfig(s *config.Config) publish.ForumConfig {
	return publish.ForumConfig{
		FID:         int64(s.GetInt("forum.fid", 2)),
		UID:         int64(s.GetInt("forum.uid", 4)),
		Username:    s.GetString("forum.username", ""),
		TablePrefix: s.GetString("forum.table_prefix", "pre_"),
	}
}

func batchOptions(s *config.Config) publish.BatchOptions {
	return publish.BatchOptions{
		IntervalMin: time.Duration(s.GetInt("publish.interval_min_seconds", 60)) * time.Second,
		IntervalMax: time.Duration(s.GetInt("publish.interval_max_seconds", 120)) * time.Second,
	}
}

func pipelineConfig(s *config.Config) workflow.PipelineConfig {
	cfg := workflow.DefaultPipelineConfig(s.GetStringSlice("wechat.accounts", nil))
	cfg.LimitPerAccount = s.GetInt("workflow.limit_per_account", cfg.LimitPerAccount)
	cfg.TotalLinkLimit = s.GetInt("workflow.total_link_limit", cfg.TotalLinkLimit)
	cfg.CrawlLimit = s.GetInt("workflow.crawl_limit", cfg.CrawlLimit)
	cfg.CrawlBatchSize = s.GetInt("workflow.crawl_batch_size", cfg.CrawlBatchSize)
	cfg.PublishLimit = s.GetInt("workflow.publish_limit", cfg.PublishLimit)
	return cfg
}

// siteCredentials reads the "sites" section: hostname to username/password.
func siteCredentials(s *config.Config) map[string]crawler.SiteCredentials {
	out := make(map[string]crawler.SiteCredentials)
	for host, raw := range s.Section("sites") {
		site, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		user, _ := site["username"].(string)
		pass, _ := site["password"].(string)
		out[host] = crawler.SiteCredentials{Username: user, Password: pass}
	}
	return out
}

// authorRules reads the "authors" section: account name to content window
// markers.
func authorRules(s *config.Config) map[string]extract.AuthorRule {
	out := make(map[string]extract.AuthorRule)
	for account, raw := range s.Section("authors") {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rule := extract.AuthorRule{
			ContentStartMarker: str(m["content_start_marker"]),
			ContentEndMarker:   str(m["content_end_marker"]),
			FallbackToFull:     boolOr(m["fallback_to_full"], true),
		}
		if raw, ok := m["include_markers"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					rule.IncludeMarkers = append(rule.IncludeMarkers, s)
				}
			}
		}
		out[account] = rule
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}
