package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// idle returns the sessions whose last activity is older than threshold.
func idle(sessions []*Session, now time.Time, threshold time.Duration) []*Session {
	var out []*Session
	for _, s := range sessions {
		if now.Sub(s.idleSince()) > threshold {
			out = append(out, s)
		}
	}
	return out
}

func (c *Channel) runReaper(ctx context.Context) {
	t := c.clock.Ticker(c.cfg.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweepIdle()
		}
	}
}

func (c *Channel) sweepIdle() {
	for _, s := range idle(c.sessions.snapshot(), c.clock.Now(), c.cfg.IdleThreshold()) {
		c.log.Info("Reaping idle session", zap.Stringer("key", s.Key),
			zap.Duration("idle", c.clock.Since(s.idleSince())))
		c.abort(s, "idle")
	}
}
