// Command publish republishes completed articles into the Discuz forum,
// paced out over time, or reports what is waiting.
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

	"github.com/contentrelay/contentrelay/engine/publish"
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
	limit := flag.Int("limit", 100, "max articles to publish")
	status := flag.Bool("status", false, "print pending publish status and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*limit, *status, logger); err != nil {
		logger.Error("publish failed", "err", err)
		os.Exit(1)
	}
}

func run(limit int, statusOnly bool, logger *slog.Logger) error {
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

	if statusOnly {
		count, sample, err := st.PendingPublish(ctx, 10)
		if err != nil {
			return err
		}
		fmt.Printf("pending: %d\n", count)
		for _, a := range sample {
			fmt.Printf("  %d\t%s\n", a.ID, a.Title)
		}
		return nil
	}

	forumDB, err := store.Open(envOr("DISCUZ_DSN", "root:root@tcp(localhost:3306)/discuz"))
	if err != nil {
		return fmt.Errorf("open forum db: %w", err)
	}
	defer forumDB.Close()

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

	sum, err := batch.Run(ctx, limit)
	if err != nil {
		return err
	}
	logger.Info("publish done",
		"total", sum.Total, "published", sum.Published, "failed", sum.Failed)
	return nil
}
