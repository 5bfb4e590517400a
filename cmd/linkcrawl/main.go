// Command linkcrawl discovers article links for the configured WeChat
// accounts and upserts them into the article store.
//
// Exit codes: 1 general failure, 2 expired platform credentials, 3 rate
// limited by the platform.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/engine/store"
	"github.com/contentrelay/contentrelay/engine/wechat"
	"github.com/contentrelay/contentrelay/pkg/config"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	accounts := flag.String("accounts", "", "comma-separated account names (default: settings file)")
	limit := flag.Int("limit", 10, "max articles per account")
	total := flag.Int("total", 50, "max articles overall")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*accounts, *limit, *total, logger); err != nil {
		logger.Error("link crawl failed", "err", err)
		switch {
		case errors.Is(err, domain.ErrCredentialsExpired):
			os.Exit(2)
		case errors.Is(err, domain.ErrRateLimited):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}

func run(accountsFlag string, limit, total int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(envOr("SETTINGS_PATH", "settings.json"), nil)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	accounts := settings.GetStringSlice("wechat.accounts", nil)
	if accountsFlag != "" {
		accounts = nil
		for _, a := range strings.Split(accountsFlag, ",") {
			if a = strings.TrimSpace(a); a != "" {
				accounts = append(accounts, a)
			}
		}
	}
	if len(accounts) == 0 {
		return fmt.Errorf("%w: no accounts configured", domain.ErrConfig)
	}

	db, err := store.Open(envOr("MYSQL_DSN", "root:root@tcp(localhost:3306)/content"))
	if err != nil {
		return fmt.Errorf("open article db: %w", err)
	}
	defer db.Close()
	st := store.New(db, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	cache, err := wechat.OpenFakeIDCache(envOr("FAKEID_CACHE", "fakeid_cache.json"))
	if err != nil {
		return fmt.Errorf("open fakeid cache: %w", err)
	}
	client := wechat.NewClient(wechat.Config{
		Creds: wechat.Credentials{
			Token:  settings.GetString("wechat.token", ""),
			Cookie: settings.GetString("wechat.cookie", ""),
		},
	}, cache, logger)

	links, err := client.CrawlAll(ctx, accounts, limit, total)
	if err != nil {
		return err
	}
	inserted, err := st.UpsertLinks(ctx, links)
	if err != nil {
		return err
	}

	logger.Info("link crawl done",
		"accounts", len(accounts), "discovered", len(links), "inserted", inserted)
	return nil
}
