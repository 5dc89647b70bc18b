package state

import (
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"voicerelay/internal/types"
)

// Registry owns every live connection record, keyed by connection ID.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for new records. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

// Register allocates a record for a freshly accepted client transport.
func (r *Registry) Register(id string, client types.Transport) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if client == nil {
		return nil, ErrNilTransport
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; exists {
		return nil, ErrConnectionExists
	}
	rec := newRecord(id, client, r.now())
	r.records[id] = rec
	return rec, nil
}

func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, exists := r.records[id]
	return rec, exists
}

// Remove tears the connection down with a normal closure. It is a no-op
// returning false when id is not registered.
func (r *Registry) Remove(id string) bool {
	return r.RemoveWithStatus(id, websocket.StatusNormalClosure, "connection closed")
}

// RemoveWithStatus unlinks the record, then closes the upstream transport
// followed by the client transport. Sockets are closed outside the registry
// lock.
func (r *Registry) RemoveWithStatus(id string, code websocket.StatusCode, reason string) bool {
	r.mu.Lock()
	rec, exists := r.records[id]
	if exists {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	client, upstream, ok := rec.beginClose()
	if !ok {
		return false
	}
	if upstream != nil {
		if err := upstream.Close(websocket.StatusNormalClosure, reason); err != nil {
			log.Debug().Err(err).Str("conn", id).Msg("upstream close")
		}
	}
	if client != nil {
		if err := client.Close(code, reason); err != nil {
			log.Debug().Err(err).Str("conn", id).Msg("client close")
		}
	}
	rec.finishClose()
	return true
}

// Snapshot returns reporting info for every live record, sorted by ID.
func (r *Registry) Snapshot() []types.ConnectionInfo {
	r.mu.RLock()
	records := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	infos := make([]types.ConnectionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// IdleSince lists the IDs of records whose last activity is before cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, rec := range r.records {
		if rec.LastActivity().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) Stats() types.ServerStats {
	conns := r.Snapshot()
	return types.ServerStats{
		TotalConnections: len(conns),
		Connections:      conns,
	}
}
