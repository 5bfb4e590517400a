// Command contentcrawl fetches and extracts content for pending articles,
// or for an explicit list of URLs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/contentrelay/contentrelay/engine/crawler"
	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/engine/extract"
	"github.com/contentrelay/contentrelay/engine/fetch"
	"github.com/contentrelay/contentrelay/engine/store"
	"github.com/contentrelay/contentrelay/pkg/config"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	limit := flag.Int("limit", 50, "max articles to claim")
	batch := flag.Int("batch", 5, "batch size")
	urls := flag.String("urls", "", "comma-separated URLs to crawl instead of claiming")
	source := flag.String("source", "", "source type recorded for -urls articles (defaults to external)")
	sourceName := flag.String("source-name", "", "source name recorded for -urls articles")
	headful := flag.Bool("headful", false, "run the browser with a visible window")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*limit, *batch, *urls, *source, *sourceName, *headful, logger); err != nil {
		logger.Error("content crawl failed", "err", err)
		os.Exit(1)
	}
}

func run(limit, batch int, urlsFlag, source, sourceName string, headful bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(envOr("SETTINGS_PATH", "settings.json"), nil)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	db, err := store.Open(envOr("MYSQL_DSN", "root:root@tcp(localhost:3306)/content"))
	if err != nil {
		return fmt.Errorf("open article db: %w", err)
	}
	defer db.Close()
	st := store.New(db, logger)

	jar, err := fetch.OpenJar(envOr("COOKIE_FILE", "cookies.json"), logger)
	if err != nil {
		return fmt.Errorf("open cookie jar: %w", err)
	}
	opts := fetch.DefaultOptions()
	opts.Headless = !headful
	browser := fetch.NewBrowser(opts, jar, logger)
	defer browser.Close()

	extractor := extract.New(extract.NewRegistry(), logger)
	c := crawler.New(crawler.Deps{
		Store:       st,
		Fetcher:     browser,
		Extractor:   extractor,
		WeChat:      extract.NewWeChatOptimizer(extractor, nil, logger),
		Credentials: siteCredentials(settings),
		Logger:      logger,
	})

	if urlsFlag != "" {
		var urls []string
		for _, u := range strings.Split(urlsFlag, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		results := c.CrawlURLs(ctx, urls, domain.SourceType(source), sourceName)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	sum, err := c.Run(ctx, limit, batch)
	if err != nil {
		return err
	}
	logger.Info("content crawl done",
		"total", sum.Total, "completed", sum.Completed, "failed", sum.Failed)
	return nil
}

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
