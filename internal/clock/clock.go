// Package clock abstracts the few time operations the control room performs
// so retry and settle delays can be observed in tests without sleeping.
package clock

import (
	"context"
	"time"
)

// Clock is injected wherever the control room waits.
type Clock interface {
	Now() time.Time

	// Sleep pauses for d or until ctx is done, whichever comes first. It
	// returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
