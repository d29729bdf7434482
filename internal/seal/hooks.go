package seal

import (
	"context"
	"log/slog"
	"time"

	"secure.seal/internal/models"
)

type EventType string

const (
	EventSealCreated        EventType = "seal_created"
	EventAccessDenied       EventType = "seal_access_denied"
	EventSealDisclosed      EventType = "seal_disclosed"
	EventSealExhausted      EventType = "seal_exhausted"
	EventExhaustedRefused   EventType = "seal_exhausted_refused"
	EventPulseReceived      EventType = "pulse_received"
	EventUnlockedEarly      EventType = "seal_unlocked_early"
	EventSealBurned         EventType = "seal_burned"
	EventTokenRejected      EventType = "token_rejected"
	EventHoneypot           EventType = "honeypot_accessed"
	EventRollback           EventType = "rollback"
	EventRollbackFailed     EventType = "rollback_failed"
	EventNonCriticalFailure EventType = "non_critical_failure"
)

// Event describes the outcome of an engine operation. Err is set for failure
// events only.
type Event struct {
	Type   EventType
	SealID string
	Mode   models.Mode
	Caller models.Caller
	Time   time.Time
	Detail string
	Err    error
}

// Hook receives events synchronously after the outcome they describe is
// final. Hooks cannot change the result of an operation.
type Hook interface {
	Handle(ctx context.Context, ev Event)
}

type HookFunc func(ctx context.Context, ev Event)

func (f HookFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

func (e *Engine) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	for _, h := range e.hooks {
		e.callHook(ctx, h, ev)
	}
}

func (e *Engine) callHook(ctx context.Context, h Hook, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook panicked", "event", string(ev.Type), "panic", r)
		}
	}()
	h.Handle(ctx, ev)
}

// AuditHook writes every event to logger. Failure events are logged at error
// level, everything else at info.
func AuditHook(logger *slog.Logger) Hook {
	return HookFunc(func(ctx context.Context, ev Event) {
		attrs := []any{
			"event", string(ev.Type),
			"seal_id", ev.SealID,
			"ip", ev.Caller.IP,
		}
		if ev.Mode != "" {
			attrs = append(attrs, "mode", string(ev.Mode))
		}
		if ev.Detail != "" {
			attrs = append(attrs, "detail", ev.Detail)
		}

		switch ev.Type {
		case EventRollbackFailed:
			logger.ErrorContext(ctx, "audit", append(attrs, "error", ev.Err, "severity", "critical")...)
		case EventNonCriticalFailure:
			logger.WarnContext(ctx, "audit", append(attrs, "error", ev.Err)...)
		case EventHoneypot, EventTokenRejected:
			logger.WarnContext(ctx, "audit", attrs...)
		default:
			logger.InfoContext(ctx, "audit", attrs...)
		}
	})
}
