package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"secure.seal/internal/store"
)

var errFlaky = errors.New("backend unavailable")

func testSettings() Settings {
	s := DefaultSettings("test")
	s.Backoff = time.Millisecond
	s.MinRequests = 3
	s.OpenTimeout = time.Hour
	s.Permanent = func(err error) bool { return errors.Is(err, store.ErrNotFound) }
	return s
}

func TestRetrySucceedsWithinAttempts(t *testing.T) {
	b := NewBreaker(testSettings())

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryIsBounded(t *testing.T) {
	b := NewBreaker(testSettings())

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	b := NewBreaker(testSettings())

	calls := 0
	_, err := b.Fetch(context.Background(), func(context.Context) ([]byte, error) {
		calls++
		return nil, store.ErrNotFound
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	// Not-found answers must not trip the breaker.
	for i := 0; i < 10; i++ {
		b.Fetch(context.Background(), func(context.Context) ([]byte, error) {
			return nil, store.ErrNotFound
		})
	}
	if b.State() != "closed" {
		t.Fatalf("breaker state = %s, want closed", b.State())
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	var transitions []string
	s := testSettings()
	s.OnStateChange = func(_, from, to string) {
		transitions = append(transitions, from+"->"+to)
	}
	b := NewBreaker(s)

	for i := 0; i < 3; i++ {
		b.Do(context.Background(), func(context.Context) error { return errFlaky })
	}
	if b.State() != "open" {
		t.Fatalf("breaker state = %s, want open", b.State())
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not call the backend")
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	b := NewBreaker(testSettings())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := b.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBlobStoreDecorator(t *testing.T) {
	inner := store.NewMemoryBlobStore()
	blobs := NewBlobStore(inner, NewBreaker(testSettings()))
	ctx := context.Background()

	if err := blobs.Put(ctx, "id", []byte("data"), time.Now()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := blobs.Get(ctx, "id")
	if err != nil || string(got) != "data" {
		t.Fatalf("Get: %q %v", got, err)
	}
	if err := blobs.Delete(ctx, "id"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := blobs.Get(ctx, "id"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if blobs.State() != "closed" {
		t.Fatalf("state = %s", blobs.State())
	}
}

func TestAdmissionPerCaller(t *testing.T) {
	a := NewAdmission(0, 2)

	r1, err := a.Admit("1.2.3.4")
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	r2, _ := a.Admit("1.2.3.4")
	if _, err := a.Admit("1.2.3.4"); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("third concurrent admit should fail, got %v", err)
	}
	if _, err := a.Admit("5.6.7.8"); err != nil {
		t.Fatalf("other caller should be admitted: %v", err)
	}

	r1()
	r1() // idempotent
	if _, err := a.Admit("1.2.3.4"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
	r2()
}

func TestAdmissionGlobal(t *testing.T) {
	a := NewAdmission(3, 0)

	var mu sync.Mutex
	var releases []func()
	for i := 0; i < 3; i++ {
		r, err := a.Admit("caller")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		mu.Lock()
		releases = append(releases, r)
		mu.Unlock()
	}
	if _, err := a.Admit("other"); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	for _, r := range releases {
		r()
	}
	if _, err := a.Admit("other"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestNilAdmissionAdmitsAll(t *testing.T) {
	var a *Admission = NewAdmission(0, 0)
	release, err := a.Admit("x")
	if err != nil {
		t.Fatalf("nil admission: %v", err)
	}
	release()
}
