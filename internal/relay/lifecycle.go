package relay

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// Shutdown stops accepting connections, closes every registered one with
// StatusGoingAway and waits for their handlers to return or ctx to end.
// Calls after the first are no-ops.
func (r *Relay) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()

		conns := r.registry.Snapshot()
		log.Info().Int("connections", len(conns)).Msg("shutting down relay")
		// close handshakes wait on the peer, so run them side by side
		var closers sync.WaitGroup
		for _, c := range conns {
			closers.Add(1)
			go func(id string) {
				defer closers.Done()
				r.teardown(id, websocket.StatusGoingAway, "server shutting down")
			}(c.ID)
		}
		closers.Wait()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			log.Info().Msg("all connection handlers finished")
		case <-ctx.Done():
			err = ctx.Err()
			log.Warn().Err(err).Msg("shutdown deadline reached before handlers finished")
		}
	})
	return err
}
