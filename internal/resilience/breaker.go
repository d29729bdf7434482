// Package resilience guards calls to the blob store with a circuit breaker
// and bounded retry, and limits how many disclosures run at once.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen means the backend is considered down. Callers should retry
// later rather than treat the operation as permanently failed.
var ErrCircuitOpen = errors.New("circuit open")

type Settings struct {
	Name         string
	Attempts     int           // total tries per call, including the first
	Backoff      time.Duration // fixed wait between tries
	MinRequests  uint32        // requests observed before the breaker may trip
	FailureRatio float64
	Interval     time.Duration // closed-state window after which counts reset
	OpenTimeout  time.Duration // time spent open before a half-open probe
	// Permanent reports errors that must be neither retried nor counted as a
	// backend failure, such as "not found".
	Permanent func(error) bool
	// OnStateChange is called on every breaker transition.
	OnStateChange func(name string, from, to string)
}

func DefaultSettings(name string) Settings {
	return Settings{
		Name:         name,
		Attempts:     3,
		Backoff:      time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
		Interval:     time.Minute,
		OpenTimeout:  30 * time.Second,
	}
}

// Breaker runs calls through a circuit breaker wrapped around a bounded
// retry loop, so one logical call counts once toward the breaker.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker[[]byte]
	attempts int
	backoff  time.Duration
	isPerm   func(error) bool
}

func NewBreaker(s Settings) *Breaker {
	if s.Attempts < 1 {
		s.Attempts = 1
	}
	isPerm := s.Permanent
	if isPerm == nil {
		isPerm = func(error) bool { return false }
	}

	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPerm(err) || errors.Is(err, context.Canceled)
		},
	}
	if s.OnStateChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			s.OnStateChange(name, from.String(), to.String())
		}
	}

	return &Breaker{
		cb:       gobreaker.NewCircuitBreaker[[]byte](st),
		attempts: s.Attempts,
		backoff:  s.Backoff,
		isPerm:   isPerm,
	}
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.Fetch(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, fn(ctx)
	})
	return err
}

func (b *Breaker) Fetch(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	out, err := b.cb.Execute(func() ([]byte, error) {
		return b.retry(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.cb.Name())
	}
	return out, err
}

func (b *Breaker) retry(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.backoff), uint64(b.attempts-1)),
		ctx,
	)

	var out []byte
	err := backoff.Retry(func() error {
		var err error
		out, err = fn(ctx)
		if err != nil && (b.isPerm(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return out, err
}
