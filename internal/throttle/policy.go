package throttle

import (
	"context"
	"time"
)

const (
	DefaultThreshold = 10
	DefaultExtra     = time.Second
)

// Policy decides whether the quota reported by a snapshot is low enough to
// stop sending requests until the window resets.
type Policy struct {
	Threshold int           // pause when remaining <= Threshold
	Extra     time.Duration // added to the reported reset
	MaxWait   time.Duration // 0 means no cap
}

func DefaultPolicy() Policy {
	return Policy{
		Threshold: DefaultThreshold,
		Extra:     DefaultExtra,
	}
}

// Decide returns how long to pause. Snapshots without a remaining count never
// pause.
func (p Policy) Decide(s Snapshot) time.Duration {
	if !s.HasRemaining || s.Remaining > p.Threshold {
		return 0
	}

	reset := 0
	if s.HasReset && s.Reset > 0 {
		reset = s.Reset
	}

	wait := time.Duration(reset)*time.Second + p.Extra
	if p.MaxWait > 0 && wait > p.MaxWait {
		wait = p.MaxWait
	}
	return wait
}

// NextBatchSize shrinks the next batch when the remaining quota would not
// cover it, leaving the threshold untouched.
func (p Policy) NextBatchSize(s Snapshot, configured int) int {
	if configured <= 0 {
		configured = 1
	}
	if !s.HasRemaining || s.Remaining >= configured {
		return configured
	}

	size := s.Remaining - p.Threshold
	if size < 1 {
		size = 1
	}
	if size > configured {
		size = configured
	}
	return size
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
