package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"secure.seal/internal/store"
)

const reaperSweepTimeout = 30 * time.Second

type sweepCounts struct {
	Seals  int
	Nonces int
	Blobs  int
}

type reaperStore interface {
	Reap(ctx context.Context, now time.Time) (sweepCounts, error)
}

// recordSweeper is a metadata store that has to be told to drop expired
// records and nonces. Redis expires them with key TTLs.
type recordSweeper interface {
	Sweep(now time.Time) (seals, nonces int)
}

// storeReaper sweeps expired records first, then blobs past retention or
// without a record. Either half may be nil.
type storeReaper struct {
	records recordSweeper
	blobs   store.BlobSweeper
	live    store.LiveFunc
}

func newStoreReaper(meta store.MetadataStore, blobs store.BlobStore) storeReaper {
	r := storeReaper{live: store.RecordLive(meta)}
	if rs, ok := meta.(recordSweeper); ok {
		r.records = rs
	}
	if bs, ok := blobs.(store.BlobSweeper); ok {
		r.blobs = bs
	}
	return r
}

func (r storeReaper) Reap(ctx context.Context, now time.Time) (sweepCounts, error) {
	var c sweepCounts
	if r.records != nil {
		c.Seals, c.Nonces = r.records.Sweep(now)
	}
	if r.blobs == nil {
		return c, nil
	}
	n, err := r.blobs.SweepBlobs(ctx, now, r.live)
	c.Blobs = n
	return c, err
}

func runReaper(
	ctx context.Context,
	logger *slog.Logger,
	st reaperStore,
	interval time.Duration,
	now func() time.Time,
) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		logger.Error("reaper disabled: interval must be positive", "interval", interval)
		return
	}

	runReaperOnce(ctx, logger, st, now)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runReaperOnce(ctx, logger, st, now)
		}
	}
}

func runReaperOnce(ctx context.Context, logger *slog.Logger, st reaperStore, now func() time.Time) {
	if ctx.Err() != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, reaperSweepTimeout)
	defer cancel()

	c, err := st.Reap(cctx, now().UTC())
	if c.Seals > 0 || c.Nonces > 0 || c.Blobs > 0 {
		logger.Info("expired records swept", "seals", c.Seals, "nonces", c.Nonces, "blobs", c.Blobs)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("reaper sweep failed", "err", err)
	}
}
