// Package seal implements the seal lifecycle: creation, time-gated
// disclosure, dead man's switch pulses, early unlock and burn. The engine
// owns every cross-store ordering decision and the rollback that goes with
// it; stores stay dumb.
package seal

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"secure.seal/internal/clock"
	"secure.seal/internal/crypto"
	"secure.seal/internal/resilience"
	"secure.seal/internal/store"
	"secure.seal/internal/token"
)

// Limits bound what clients may ask for.
type Limits struct {
	MaxBlobBytes     int
	MaxKeyShareBytes int
	MaxIVLength      int
	MaxUnlockMessage int

	MinUnlockDelay  time.Duration
	MaxUnlockWindow time.Duration

	MinPulseInterval time.Duration
	MaxPulseInterval time.Duration
	// MaxSealAge caps how far a pulse may push unlock time past creation.
	MaxSealAge time.Duration

	MaxViews     int
	MaxRetention time.Duration

	VerifyBlobHash bool
	MaxJitter      time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxBlobBytes:     750 * 1024,
		MaxKeyShareBytes: 256,
		MaxIVLength:      64,
		MaxUnlockMessage: 1000,
		MinUnlockDelay:   time.Minute,
		MaxUnlockWindow:  30 * 24 * time.Hour,
		MinPulseInterval: 5 * time.Minute,
		MaxPulseInterval: 30 * 24 * time.Hour,
		MaxSealAge:       365 * 24 * time.Hour,
		MaxViews:         100,
		MaxRetention:     365 * 24 * time.Hour,
		VerifyBlobHash:   true,
		MaxJitter:        100 * time.Millisecond,
	}
}

type Options struct {
	Clock     clock.Clock
	Limits    Limits
	Admission *resilience.Admission
	Hooks     []Hook
	Logger    *slog.Logger
	// TokenMaxAge is the freshness window of action tokens. It must be at
	// least MaxPulseInterval or owners lose control of their seals.
	TokenMaxAge time.Duration
	HoneypotIDs []string
}

// Engine coordinates the metadata and blob stores. Blob calls are expected to
// be wrapped in resilience.BlobStore by the caller.
type Engine struct {
	meta      store.MetadataStore
	blobs     store.BlobStore
	keys      crypto.KeyRing
	tokens    *token.Protocol
	clock     clock.Clock
	limits    Limits
	admission *resilience.Admission
	hooks     []Hook
	logger    *slog.Logger
	honeypots map[string]struct{}
}

func New(meta store.MetadataStore, blobs store.BlobStore, keys crypto.KeyRing, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TokenMaxAge <= 0 {
		opts.TokenMaxAge = opts.Limits.MaxPulseInterval
	}

	honeypots := make(map[string]struct{}, len(opts.HoneypotIDs))
	for _, id := range opts.HoneypotIDs {
		honeypots[id] = struct{}{}
	}

	return &Engine{
		meta:      meta,
		blobs:     blobs,
		keys:      keys,
		tokens:    token.NewProtocol(keys, opts.Clock, opts.TokenMaxAge),
		clock:     opts.Clock,
		limits:    opts.Limits,
		admission: opts.Admission,
		hooks:     opts.Hooks,
		logger:    opts.Logger,
		honeypots: honeypots,
	}
}

// DefaultHoneypotIDs are well-formed ids nobody can be issued in practice.
// Any request for one is a scan.
func DefaultHoneypotIDs() []string {
	return []string{
		"00000000000000000000000000000000",
		"ffffffffffffffffffffffffffffffff",
		"11111111111111111111111111111111",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"deadbeefdeadbeefdeadbeefdeadbeef",
		"cafebabecafebabecafebabecafebabe",
		"12345678901234567890123456789012",
		"abcdefabcdefabcdefabcdefabcdefab",
	}
}

func (e *Engine) IsHoneypot(id string) bool {
	_, ok := e.honeypots[id]
	return ok
}

// pause delays a refusal by a random amount so locked, exhausted and
// rejected paths cannot be told apart by latency.
func (e *Engine) pause(ctx context.Context) {
	if e.limits.MaxJitter <= 0 {
		return
	}
	_ = e.clock.Sleep(ctx, rand.N(e.limits.MaxJitter))
}

// rollbackCtx keeps compensating writes alive after the request is cancelled.
func rollbackCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
