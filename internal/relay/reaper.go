package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// Reaper periodically closes connections that have seen no client audio for
// longer than the idle timeout.
type Reaper struct {
	relay    *Relay
	interval time.Duration
	timeout  time.Duration
}

func NewReaper(r *Relay, interval, timeout time.Duration) *Reaper {
	return &Reaper{relay: r, interval: interval, timeout: timeout}
}

// Sweep tears down every connection idle since before now-timeout and
// returns the ids it removed.
func (rp *Reaper) Sweep(now time.Time) []string {
	cutoff := now.Add(-rp.timeout)
	reg := rp.relay.registry

	var reaped []string
	for _, id := range reg.IdleSince(cutoff) {
		rec, ok := reg.Get(id)
		if !ok {
			continue
		}
		// activity may have arrived after IdleSince took its view
		if !rec.LastActivity().Before(cutoff) {
			continue
		}
		if rp.relay.teardown(id, websocket.StatusGoingAway, "idle timeout") {
			rp.relay.metrics.ConnectionsReaped.Inc()
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		log.Info().Int("count", len(reaped)).Dur("timeout", rp.timeout).Msg("reaped idle connections")
	}
	return reaped
}

// Run sweeps every interval until ctx is done.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.Sweep(rp.relay.registry.Now())
		}
	}
}
