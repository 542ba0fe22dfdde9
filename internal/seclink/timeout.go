package seclink

import (
	"context"
	"time"
)

// clampDeadline keeps the coordinator from spinning on zero or negative
// engine deadlines.
func clampDeadline(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// runTimeouts races the engine's current deadline against a republish of
// it. Expiry advances the engine; a republish just re-arms.
func (l *SecureLink) runTimeouts(ctx context.Context) error {
	for l.resolve() {
		w := NewWaiter()
		l.mu.Lock()
		if l.state != StateActive {
			l.mu.Unlock()
			return ErrClosed
		}
		d, armed := l.eng.nextDeadline()
		l.wakers.Register(EventDeadline, w)
		l.mu.Unlock()

		var expired <-chan time.Time
		if armed {
			expired = l.cfg.Clock.After(clampDeadline(d, l.cfg.DeadlineFloor))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return ErrClosed
		case <-w:
		case <-expired:
			l.mu.Lock()
			if l.state == StateActive {
				l.eng.advance()
			}
			l.mu.Unlock()
		}
	}
	return ErrClosed
}
