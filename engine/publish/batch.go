package publish

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/contentrelay/contentrelay/engine/domain"
)

// ArticleSource supplies unpublished articles and records publish outcomes.
// The canonical article store satisfies this.
type ArticleSource interface {
	ClaimUnpublished(ctx context.Context, limit int) ([]domain.Article, error)
	MarkPublished(ctx context.Context, id, tid int64) error
}

// BatchOptions controls batch pacing.
type BatchOptions struct {
	// IntervalMin and IntervalMax bound the random pause between
	// successful publishes, spreading threads out over time.
	IntervalMin time.Duration
	IntervalMax time.Duration
}

// DefaultBatchOptions paces publishes 60 to 120 seconds apart.
var DefaultBatchOptions = BatchOptions{
	IntervalMin: 60 * time.Second,
	IntervalMax: 120 * time.Second,
}

// BatchSummary reports one batch run.
type BatchSummary struct {
	Total     int `json:"total"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Batch publishes claimed articles one at a time with pacing between them.
type Batch struct {
	pub    *Publisher
	source ArticleSource
	opts   BatchOptions
	log    *slog.Logger

	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) error
}

// NewBatch creates a batch runner.
func NewBatch(pub *Publisher, source ArticleSource, opts BatchOptions, log *slog.Logger) *Batch {
	if opts.IntervalMin <= 0 || opts.IntervalMax < opts.IntervalMin {
		opts = DefaultBatchOptions
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batch{
		pub:    pub,
		source: source,
		opts:   opts,
		log:    log.With("component", "publish-batch"),
		sleep:  sleepCtx,
	}
}

// Run claims up to limit unpublished articles and publishes them in order.
// Individual failures are logged and skipped; the batch keeps going.
func (b *Batch) Run(ctx context.Context, limit int) (BatchSummary, error) {
	articles, err := b.source.ClaimUnpublished(ctx, limit)
	if err != nil {
		return BatchSummary{}, err
	}

	sum := BatchSummary{Total: len(articles)}
	for i, a := range articles {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		tid, err := b.pub.Publish(ctx, a)
		if err != nil {
			sum.Failed++
			b.log.Warn("publish failed", "article_id", a.ID, "title", a.Title, "err", err)
			continue
		}
		if err := b.source.MarkPublished(ctx, a.ID, tid); err != nil {
			// The thread exists; losing the mark would re-publish it next
			// run, so surface this as a batch error.
			sum.Published++
			return sum, err
		}
		sum.Published++

		if i < len(articles)-1 {
			if err := b.sleep(ctx, b.interval()); err != nil {
				return sum, err
			}
		}
	}

	b.log.Info("publish batch done",
		"total", sum.Total, "published", sum.Published, "failed", sum.Failed)
	return sum, nil
}

func (b *Batch) interval() time.Duration {
	span := b.opts.IntervalMax - b.opts.IntervalMin
	if span <= 0 {
		return b.opts.IntervalMin
	}
	return b.opts.IntervalMin + time.Duration(rand.Int63n(int64(span)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
