// Package relay pairs each browser connection with one upstream speech
// session and moves audio and control messages between them.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"voicerelay/internal/metrics"
	"voicerelay/internal/state"
	"voicerelay/internal/types"
	"voicerelay/internal/upstream"
)

var ErrShuttingDown = errors.New("relay is shutting down")

const defaultQueueSize = 256

// Config controls per-connection behaviour.
type Config struct {
	Session           upstream.SessionConfig
	HasCredential     bool
	ClientQueueSize   int
	UpstreamQueueSize int
}

// Relay owns the connection registry on behalf of all connection handlers,
// the idle reaper and shutdown.
type Relay struct {
	registry *state.Registry
	dialer   upstream.Dialer
	cfg      Config
	metrics  *metrics.Metrics

	mu           sync.Mutex
	closing      bool
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a relay. A nil m registers metrics on a private registry.
func New(registry *state.Registry, dialer upstream.Dialer, cfg Config, m *metrics.Metrics) *Relay {
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = defaultQueueSize
	}
	if cfg.UpstreamQueueSize <= 0 {
		cfg.UpstreamQueueSize = defaultQueueSize
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Relay{
		registry: registry,
		dialer:   dialer,
		cfg:      cfg,
		metrics:  m,
	}
}

func (r *Relay) Registry() *state.Registry {
	return r.registry
}

// Serve runs one client connection until either side ends it. It registers
// the connection, opens the upstream session in the background and reads
// client frames until the client transport fails or is closed.
func (r *Relay) Serve(ctx context.Context, client types.Transport, cid string) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = client.Close(websocket.StatusGoingAway, "server shutting down")
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	id := uuid.NewString()
	rec, err := r.registry.Register(id, client)
	if err != nil {
		_ = client.Close(websocket.StatusInternalError, "registration failed")
		return err
	}
	rec.CID = cid
	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ActiveConnections.Set(float64(r.registry.Count()))

	if r.Closing() {
		r.teardown(id, websocket.StatusGoingAway, "server shutting down")
		return ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.teardown(id, websocket.StatusNormalClosure, "connection closed")

	cm := newConnectionManager(r, rec, client)
	cm.log.Info().Msg("client connected")

	go cm.clientOut.run(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cm.openUpstream(ctx)
	}()
	cm.readClient(ctx)
	return nil
}

// Teardown closes and forgets the connection. Calling it for an unknown or
// already removed id does nothing.
func (r *Relay) Teardown(id string) bool {
	return r.teardown(id, websocket.StatusNormalClosure, "connection closed")
}

func (r *Relay) teardown(id string, code websocket.StatusCode, reason string) bool {
	if !r.registry.RemoveWithStatus(id, code, reason) {
		return false
	}
	r.metrics.ActiveConnections.Set(float64(r.registry.Count()))
	log.Info().Str("conn", id).Str("reason", reason).Msg("connection torn down")
	return true
}

// Closing reports whether Shutdown has been called.
func (r *Relay) Closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}
