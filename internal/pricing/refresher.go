package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/concierge/internal/metrics"
)

// LoadFunc produces a fresh price table.
type LoadFunc func(ctx context.Context) (*Table, error)

// Refresher reloads the resolver's table out of band. Concurrent
// Refresh calls share one load.
type Refresher struct {
	resolver *Resolver
	load     LoadFunc
	interval time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// NewRefresher creates a refresher. A non-positive interval makes Run
// return immediately; Refresh still works on demand.
func NewRefresher(r *Resolver, load LoadFunc, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		resolver: r,
		load:     load,
		interval: interval,
		logger:   logger.With("component", "pricing_refresher"),
	}
}

// Refresh loads a new table and swaps it in. On failure the current
// table stays in service.
func (f *Refresher) Refresh(ctx context.Context) error {
	_, err, shared := f.group.Do("refresh", func() (any, error) {
		t, err := f.load(ctx)
		if err != nil {
			metrics.ObservePriceRefresh(err, f.resolver.Table().Len())
			return nil, err
		}
		old := f.resolver.Swap(t)
		metrics.ObservePriceRefresh(nil, t.Len())
		f.logger.Info("price table refreshed",
			"models", t.Len(),
			"previous_models", old.Len(),
		)
		return t, nil
	})
	if err != nil {
		return fmt.Errorf("refresh price table: %w", err)
	}
	if shared {
		f.logger.Debug("price refresh coalesced")
	}
	return nil
}

// Run refreshes on every tick until ctx is cancelled.
func (f *Refresher) Run(ctx context.Context) {
	if f.interval <= 0 {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Warn("price refresh failed, keeping current table", "error", err)
			}
		}
	}
}
