package matchkit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// pullFunc fetches messages and presence deltas newer than since.
type pullFunc func(ctx context.Context, since time.Time) (*PollResult, error)

// pollFallback pulls the conversation on an adaptive interval while the
// push channel is down. Each cycle schedules the next one only after the
// previous completed, so in-flight polls never overlap. The cursor survives
// across activations: reopening polling after a push outage resumes from
// the newest message seen on any transport.
type pollFallback struct {
	pull pullFunc
	log  *slog.Logger

	fastInterval time.Duration
	stepInterval time.Duration
	maxInterval  time.Duration
	quietAfter   time.Duration

	mu          sync.Mutex
	cursor      time.Time
	interval    time.Duration
	lastInbound time.Time
}

func newPollFallback(pull pullFunc, fast, step, max, quiet time.Duration, log *slog.Logger) *pollFallback {
	return &pollFallback{
		pull:         pull,
		log:          log,
		fastInterval: fast,
		stepInterval: step,
		maxInterval:  max,
		quietAfter:   quiet,
		interval:     fast,
		lastInbound:  time.Now(),
	}
}

// run executes pull cycles until ctx is cancelled, handing every result to
// deliver. Errors are transient by definition: the cycle is simply retried
// on the next tick, never escalated.
func (p *pollFallback) run(ctx context.Context, deliver func(PollResult)) {
	for {
		res, err := p.pull(ctx, p.Cursor())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Debug("poll cycle failed", "err", err)
			p.adapt(0, time.Now())
		} else {
			p.advance(res.Messages)
			p.adapt(len(res.Messages), time.Now())
			deliver(*res)
		}

		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// advance moves the cursor to the max server timestamp seen.
func (p *pollFallback) advance(msgs []Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.CreatedAt.After(p.cursor) {
			p.cursor = m.CreatedAt
		}
	}
}

// NoteInbound resets the interval to the fast value. The session calls this
// for inbound traffic on any transport so a reactivated poll loop starts
// hot when the conversation is live.
func (p *pollFallback) NoteInbound(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastInbound = now
	p.interval = p.fastInterval
}

// adapt updates the interval after a cycle: any new inbound message snaps
// back to the fast interval; after quietAfter without one, the interval
// grows by a fixed step up to the cap.
func (p *pollFallback) adapt(newMessages int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newMessages > 0 {
		p.lastInbound = now
		p.interval = p.fastInterval
		return
	}
	if now.Sub(p.lastInbound) > p.quietAfter {
		p.interval += p.stepInterval
		if p.interval > p.maxInterval {
			p.interval = p.maxInterval
		}
	}
}

// Interval returns the current poll interval.
func (p *pollFallback) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Cursor returns the current cursor position.
func (p *pollFallback) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
