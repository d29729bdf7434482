package seal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"secure.seal/internal/clock"
	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
	"secure.seal/internal/store"
)

var (
	errBackend = errors.New("backend down")
	t0         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testCaller = models.Caller{IP: "203.0.113.7"}
)

// flakyMeta wraps the memory store and fails selected calls on demand.
type flakyMeta struct {
	*store.MemoryStore

	mu           sync.Mutex
	createErr    error
	deleteErr    error
	decrementErr error
	getErr       error
	nonceErr     error
	incrementErr error
	lastID       string
}

func (m *flakyMeta) fail(field *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field = err
}

func (m *flakyMeta) err(field *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

func (m *flakyMeta) CreateRecord(ctx context.Context, s *models.Seal) error {
	if err := m.err(&m.createErr); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastID = s.ID
	m.mu.Unlock()
	return m.MemoryStore.CreateRecord(ctx, s)
}

func (m *flakyMeta) lastCreated() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

func (m *flakyMeta) GetRecord(ctx context.Context, id string) (*models.Seal, error) {
	if err := m.err(&m.getErr); err != nil {
		return nil, err
	}
	return m.MemoryStore.GetRecord(ctx, id)
}

func (m *flakyMeta) DeleteRecord(ctx context.Context, id string) error {
	if err := m.err(&m.deleteErr); err != nil {
		return err
	}
	return m.MemoryStore.DeleteRecord(ctx, id)
}

func (m *flakyMeta) DecrementViewCount(ctx context.Context, id string) error {
	if err := m.err(&m.decrementErr); err != nil {
		return err
	}
	return m.MemoryStore.DecrementViewCount(ctx, id)
}

func (m *flakyMeta) IncrementAccessCount(ctx context.Context, id string) error {
	if err := m.err(&m.incrementErr); err != nil {
		return err
	}
	return m.MemoryStore.IncrementAccessCount(ctx, id)
}

func (m *flakyMeta) TryConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if err := m.err(&m.nonceErr); err != nil {
		return false, err
	}
	return m.MemoryStore.TryConsumeNonce(ctx, nonce, expiresAt)
}

// flakyBlobs wraps the memory blob store the same way.
type flakyBlobs struct {
	*store.MemoryBlobStore

	mu        sync.Mutex
	putErr    error
	getErr    error
	deleteErr error
	corrupt   bool
}

func (b *flakyBlobs) set(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

func (b *flakyBlobs) Put(ctx context.Context, id string, data []byte, retainUntil time.Time) error {
	b.mu.Lock()
	err := b.putErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBlobStore.Put(ctx, id, data, retainUntil)
}

func (b *flakyBlobs) Get(ctx context.Context, id string) ([]byte, error) {
	b.mu.Lock()
	err, corrupt := b.getErr, b.corrupt
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	data, err := b.MemoryBlobStore.Get(ctx, id)
	if err == nil && corrupt {
		data = append(data, 'x')
	}
	return data, err
}

func (b *flakyBlobs) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	err := b.deleteErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBlobStore.Delete(ctx, id)
}

type fixture struct {
	engine *Engine
	meta   *flakyMeta
	blobs  *flakyBlobs
	clock  *clock.FakeClock
	keys   *crypto.StaticKeyRing

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, func(*Options) {})
}

func newFixtureWith(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()

	keys, err := crypto.NewStaticKeyRing("current-master-secret", "previous-master-secret")
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}
	f := &fixture{
		meta:  &flakyMeta{MemoryStore: store.NewMemoryStore(0)},
		blobs: &flakyBlobs{MemoryBlobStore: store.NewMemoryBlobStore()},
		clock: clock.Fake(t0),
		keys:  keys,
	}
	opts := Options{
		Clock:       f.clock,
		Limits:      DefaultLimits(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		HoneypotIDs: DefaultHoneypotIDs(),
		Hooks: []Hook{HookFunc(func(_ context.Context, ev Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
		})},
	}
	configure(&opts)
	f.engine = New(f.meta, f.blobs, keys, opts)
	return f
}

func (f *fixture) saw(typ EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func timedRequest(blob string, unlockIn time.Duration) models.CreateRequest {
	return models.CreateRequest{
		EncryptedBlob: []byte(blob),
		KeyShare:      []byte("server-key-share"),
		IV:            "aXYtYmFzZTY0",
		UnlockTime:    t0.Add(unlockIn),
		UnlockMessage: "open me",
	}
}

func dmsRequest(unlockIn, interval time.Duration) models.CreateRequest {
	req := timedRequest("dms payload", unlockIn)
	req.IsDMS = true
	req.PulseInterval = interval
	return req
}

func ephemeralRequest(maxViews int) models.CreateRequest {
	req := timedRequest("ephemeral payload", 0)
	req.UnlockTime = time.Time{}
	req.IsEphemeral = true
	req.MaxViews = &maxViews
	return req
}

func (f *fixture) create(t *testing.T, req models.CreateRequest) models.CreateResult {
	t.Helper()
	res, err := f.engine.Create(context.Background(), req, testCaller)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return res
}

func TestHookPanicDoesNotAffectOutcome(t *testing.T) {
	f := newFixtureWith(t, func(o *Options) {
		o.Hooks = append([]Hook{HookFunc(func(context.Context, Event) { panic("boom") })}, o.Hooks...)
	})

	res := f.create(t, timedRequest("payload", time.Hour))
	if res.SealID == "" {
		t.Fatal("expected seal id")
	}
	if !f.saw(EventSealCreated) {
		t.Fatal("hooks after a panicking hook must still run")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{invalidf("bad"), KindInvalidInput},
		{ErrInvalidToken, KindInvalidToken},
		{storageErr("get", store.ErrNotFound), KindNotFound},
		{ErrIntegrity, KindIntegrity},
		{storageErr("get", errBackend), KindStorageTransient},
		{inconsistent("op", errBackend, ErrNotFound), KindStorageInconsistent},
		{ErrUnavailable, KindUnavailable},
		{errBackend, KindInternal},
		{fmt.Errorf("%w: %w", ErrInternal, errBackend), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
