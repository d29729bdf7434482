package resilience

import (
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrOverloaded = errors.New("too many concurrent requests")

// Admission caps concurrent work globally and per caller. Rejected requests
// fail fast instead of queueing.
type Admission struct {
	global    *semaphore.Weighted
	perCaller int

	mu       sync.Mutex
	inflight map[string]int
}

// NewAdmission returns nil when both limits are disabled (zero or negative).
// A nil *Admission admits everything.
func NewAdmission(maxConcurrent int64, perCaller int) *Admission {
	if maxConcurrent <= 0 && perCaller <= 0 {
		return nil
	}
	a := &Admission{perCaller: perCaller, inflight: make(map[string]int)}
	if maxConcurrent > 0 {
		a.global = semaphore.NewWeighted(maxConcurrent)
	}
	return a
}

// Admit reserves a slot for caller. The returned release must be called
// exactly once when the work is done.
func (a *Admission) Admit(caller string) (release func(), err error) {
	if a == nil {
		return func() {}, nil
	}

	if a.perCaller > 0 {
		a.mu.Lock()
		if a.inflight[caller] >= a.perCaller {
			a.mu.Unlock()
			return nil, ErrOverloaded
		}
		a.inflight[caller]++
		a.mu.Unlock()
	}

	if a.global != nil && !a.global.TryAcquire(1) {
		a.releaseCaller(caller)
		return nil, ErrOverloaded
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if a.global != nil {
				a.global.Release(1)
			}
			a.releaseCaller(caller)
		})
	}, nil
}

func (a *Admission) releaseCaller(caller string) {
	if a.perCaller <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[caller] <= 1 {
		delete(a.inflight, caller)
		return
	}
	a.inflight[caller]--
}
