// Command workflow runs the full pipeline (link discovery, content crawl,
// forum publish) as one supervised execution.
//
// Usage:
//
//	workflow run            start a fresh execution
//	workflow resume <id>    resume a failed or interrupted execution
//	workflow list           list resumable executions
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
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
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()
	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(cmd, flag.Arg(1), logger); err != nil {
		logger.Error("workflow command failed", "err", err)
		os.Exit(1)
	}
}

func run(cmd, arg string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := workflow.OpenJournal(envOr("JOURNAL_DIR", "journal"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	if cmd == "list" {
		execs, err := journal.ListResumable()
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Println("no resumable executions")
			return nil
		}
		for _, e := range execs {
			fmt.Printf("%s\t%s\tstarted %s\n", e.ID, e.Status, e.StartedAt.Format(time.RFC3339))
		}
		return nil
	}

	eng, cleanup, err := buildEngine(ctx, journal, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var exec *workflow.Execution
	switch cmd {
	case "run":
		exec, err = eng.Run(ctx)
	case "resume":
		if arg == "" {
			return fmt.Errorf("resume needs an execution id")
		}
		exec, err = eng.Resume(ctx, arg)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}

	logger.Info("execution finished", "id", exec.ID, "status", exec.Status)
	for _, step := range exec.Steps {
		logger.Info("step result",
			"step", step.Name, "status", step.Status,
			"attempts", step.Attempts, "summary", step.Summary)
	}
	if exec.Status != workflow.ExecCompleted {
		return fmt.Errorf("execution %s ended %s", exec.ID, exec.Status)
	}
	return nil
}

// buildEngine wires the full pipeline. The returned cleanup closes every
// connection it opened.
func buildEngine(ctx context.Context, journal *workflow.Journal, logger *slog.Logger) (*workflow.Engine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	settings, err := config.Load(envOr("SETTINGS_PATH", "settings.json"), nil)
	if err != nil {
		return nil, cleanup, fmt.Errorf("load settings: %w", err)
	}

	db, err := store.Open(envOr("MYSQL_DSN", "root:root@tcp(localhost:3306)/content"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open article db: %w", err)
	}
	closers = append(closers, func() { db.Close() })
	st := store.New(db, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, cleanup, fmt.Errorf("ensure schema: %w", err)
	}

	forumDB, err := store.Open(envOr("DISCUZ_DSN", "root:root@tcp(localhost:3306)/discuz"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open forum db: %w", err)
	}
	closers = append(closers, func() { forumDB.Close() })

	cache, err := wechat.OpenFakeIDCache(envOr("FAKEID_CACHE", "fakeid_cache.json"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open fakeid cache: %w", err)
	}
	links := wechat.NewClient(wechat.Config{
		Creds: wechat.Credentials{
			Token:  settings.GetString("wechat.token", ""),
			Cookie: settings.GetString("wechat.cookie", ""),
		},
	}, cache, logger)

	jar, err := fetch.OpenJar(envOr("COOKIE_FILE", "cookies.json"), logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open cookie jar: %w", err)
	}
	browser := fetch.NewBrowser(fetch.DefaultOptions(), jar, logger)
	closers = append(closers, browser.Close)

	extractor := extract.New(extract.NewRegistry(), logger)
	contentCrawler := crawler.New(crawler.Deps{
		Store:     st,
		Fetcher:   browser,
		Extractor: extractor,
		WeChat:    extract.NewWeChatOptimizer(extractor, nil, logger),
		Logger:    logger,
	})

	publisher := publish.NewPublisher(forumDB, publish.ForumConfig{
		FID:         int64(settings.GetInt("forum.fid", 2)),
		UID:         int64(settings.GetInt("forum.uid", 4)),
		Username:    settings.GetString("forum.username", ""),
		TablePrefix: settings.GetString("forum.table_prefix", "pre_"),
	}, logger)
	batch := publish.NewBatch(publisher, st, publish.BatchOptions{
		IntervalMin: time.Duration(settings.GetInt("publish.interval_min_seconds", 60)) * time.Second,
		IntervalMax: time.Duration(settings.GetInt("publish.interval_max_seconds", 120)) * time.Second,
	}, logger)

	var nc *nats.Conn
	if url := envOr("NATS_URL", ""); url != "" {
		nc, err = nats.Connect(url)
		if err != nil {
			logger.Warn("nats unavailable, events disabled", "err", err)
			nc = nil
		} else {
			closers = append(closers, nc.Close)
		}
	}

	cfg := workflow.DefaultPipelineConfig(settings.GetStringSlice("wechat.accounts", nil))
	steps := workflow.PipelineSteps(cfg, workflow.PipelineDeps{
		Links:     links,
		Store:     st,
		Crawler:   contentCrawler,
		Publisher: batch,
	})
	return workflow.NewEngine(journal, steps, nc, logger), cleanup, nil
}
