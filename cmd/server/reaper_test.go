package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"secure.seal/config"
	"secure.seal/internal/models"
	"secure.seal/internal/store"
)

type reaperStub struct {
	reap func(ctx context.Context, now time.Time) (sweepCounts, error)
}

func (s reaperStub) Reap(ctx context.Context, now time.Time) (sweepCounts, error) {
	return s.reap(ctx, now)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunReaperOnceUsesUTCAndTimeout(t *testing.T) {
	t.Parallel()

	rawNow := time.Date(2026, time.March, 1, 14, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60))
	called := false
	st := reaperStub{reap: func(ctx context.Context, now time.Time) (sweepCounts, error) {
		called = true
		if now.Location() != time.UTC || !now.Equal(rawNow) {
			t.Fatalf("expected %s in UTC, got %s", rawNow.UTC(), now)
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Fatal("expected timeout context with deadline")
		}
		return sweepCounts{}, nil
	}}

	runReaperOnce(context.Background(), testLogger(), st, func() time.Time { return rawNow })
	if !called {
		t.Fatal("expected Reap to be called")
	}
}

func TestRunReaperOnceSkipsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := reaperStub{reap: func(context.Context, time.Time) (sweepCounts, error) {
		t.Fatal("Reap called after cancel")
		return sweepCounts{}, nil
	}}
	runReaperOnce(ctx, testLogger(), st, time.Now)
}

func TestRunReaperOnceLogsFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	st := reaperStub{reap: func(context.Context, time.Time) (sweepCounts, error) {
		return sweepCounts{Seals: 1}, errors.New("metadata down")
	}}
	runReaperOnce(context.Background(), logger, st, time.Now)

	out := buf.String()
	if !strings.Contains(out, "seals=1") || !strings.Contains(out, "metadata down") {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestRunReaperRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	calls := make(chan struct{}, 8)
	st := reaperStub{reap: func(context.Context, time.Time) (sweepCounts, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return sweepCounts{}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runReaper(ctx, testLogger(), st, 10*time.Millisecond, time.Now)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sweep")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("reaper did not stop after context cancel")
	}
}

func TestReaperSweepsRecordsAndBlobs(t *testing.T) {
	t.Parallel()

	meta := store.NewMemoryStore(0)
	defer meta.Close()
	blobs := store.NewMemoryBlobStore()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	ctx := context.Background()
	const expired = "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	const live = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	if err := meta.CreateRecord(ctx, &models.Seal{ID: expired, ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}
	if err := meta.CreateRecord(ctx, &models.Seal{ID: live}); err != nil {
		t.Fatal(err)
	}
	blobs.Put(ctx, expired, []byte("gone"), past)
	blobs.Put(ctx, live, []byte("kept"), time.Time{})
	if _, err := meta.TryConsumeNonce(ctx, "token:n1", past); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	runReaperOnce(ctx, logger, newStoreReaper(meta, blobs), func() time.Time { return now })

	out := buf.String()
	for _, want := range []string{"seals=1", "nonces=1", "blobs=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in log output: %s", want, out)
		}
	}
	if _, err := meta.GetRecord(ctx, expired); err != store.ErrNotFound {
		t.Fatalf("expected record swept, got %v", err)
	}
	if _, err := blobs.Get(ctx, expired); err != store.ErrNotFound {
		t.Fatalf("expected blob swept, got %v", err)
	}
	if _, err := blobs.Get(ctx, live); err != nil {
		t.Fatalf("live blob removed: %v", err)
	}
}

func TestStoreReaperWithoutSweepers(t *testing.T) {
	t.Parallel()

	r := newStoreReaper(stubMeta{}, stubBlobs{})
	c, err := r.Reap(context.Background(), time.Now())
	if err != nil || c != (sweepCounts{}) {
		t.Fatalf("Reap = %+v %v", c, err)
	}
}

// stubMeta and stubBlobs stand in for stores that expire data themselves.
type stubMeta struct{ store.MetadataStore }

type stubBlobs struct{ store.BlobStore }

func TestLoggerRedactsSecrets(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact}))
	logger.Info("event", "token", "abc.def", "key_share", "c2VjcmV0", "seal_id", "visible")

	out := buf.String()
	if strings.Contains(out, "abc.def") || strings.Contains(out, "c2VjcmV0") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("expected seal_id kept: %s", out)
	}
}

func TestSealLimitsMapsConfig(t *testing.T) {
	t.Parallel()

	sc := config.Default().Seals
	sc.MaxViews = 7
	limits := sealLimits(sc)
	if limits.MaxViews != 7 || limits.MaxBlobBytes != sc.MaxBlobBytes || limits.MaxJitter != sc.MaxJitter {
		t.Fatalf("limits not mapped: %+v", limits)
	}
}
