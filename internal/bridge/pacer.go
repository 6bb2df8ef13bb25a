package bridge

import (
	"context"
	"time"
)

// Pacer releases outbound frames on a virtual clock so playback to the
// caller runs at real time. Writes may run ahead of the clock by at most
// maxLead frames. Not safe for concurrent use.
type Pacer struct {
	interval time.Duration
	maxLead  int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	start time.Time
	sent  int
}

func NewPacer(interval time.Duration, maxLead int, now func() time.Time, sleep func(context.Context, time.Duration) error) *Pacer {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepContext
	}
	if maxLead < 0 {
		maxLead = 0
	}
	return &Pacer{interval: interval, maxLead: maxLead, now: now, sleep: sleep}
}

// Wait blocks until the next frame may be written.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	now := p.now()
	// A stream that fell behind (or was idle) restarts its clock instead of
	// bursting to catch up.
	if p.start.IsZero() || now.Sub(p.start.Add(time.Duration(p.sent)*p.interval)) > p.interval {
		p.start = now
		p.sent = 0
	}
	due := p.start.Add(time.Duration(p.sent-p.maxLead) * p.interval)
	if wait := due.Sub(now); wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	p.sent++
	return nil
}

// Reset restarts the clock, used after buffered audio was cleared.
func (p *Pacer) Reset() {
	p.start = time.Time{}
	p.sent = 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
