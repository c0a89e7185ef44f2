package agent

import "context"

// runScheduler drives every engine of the channel: on each clock tick,
// and whenever inbound data or local writes wake it early.
func (c *Channel) runScheduler(ctx context.Context) {
	t := c.clock.Ticker(c.cfg.Clock())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.kick:
		}
		c.tickAll()
	}
}

func (c *Channel) tickAll() {
	for _, s := range c.sessions.snapshot() {
		if s.State() == StateClosed {
			continue
		}
		s.engine.Tick()
		s.signalRoom()
		c.settleDrain(s)
	}
}

// settleDrain closes a Draining session once its pending direction is
// empty.
func (c *Channel) settleDrain(s *Session) {
	switch s.draining() {
	case drainSend:
		if s.engine.OutstandingSendBytes() == 0 {
			c.finalize(s, "local_close")
		}
	case drainRecv:
		if s.engine.OutstandingRecvBytes() == 0 {
			c.finalize(s, "remote_close")
		}
	}
}
