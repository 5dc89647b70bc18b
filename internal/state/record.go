package state

import (
	"sync"
	"time"

	"voicerelay/internal/types"
)

// Phase is the lifecycle position of a connection record.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseAwaitingSetup
	PhaseReady
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingSetup:
		return "awaiting_setup"
	case PhaseReady:
		return "ready"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Record holds the state of one client connection and the upstream session
// paired with it. All mutable fields are guarded by mu. ID is fixed at
// registration; CID is set once by the owner before serving starts.
type Record struct {
	ID  string
	CID string

	mu           sync.Mutex
	client       types.Transport
	upstream     types.Transport
	phase        Phase
	ready        bool
	generating   bool
	lastActivity time.Time
}

func newRecord(id string, client types.Transport, now time.Time) *Record {
	return &Record{
		ID:           id,
		client:       client,
		phase:        PhaseConnecting,
		lastActivity: now,
	}
}

// Upstream returns the upstream transport if one is attached.
func (r *Record) Upstream() (types.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream, r.upstream != nil
}

// AttachUpstream binds the upstream transport to the record and moves it to
// PhaseAwaitingSetup. A record owns at most one upstream for its lifetime.
func (r *Record) AttachUpstream(t types.Transport) error {
	if t == nil {
		return ErrNilTransport
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase >= PhaseClosing {
		return ErrRecordClosing
	}
	if r.upstream != nil || r.phase != PhaseConnecting {
		return ErrUpstreamAttached
	}
	r.upstream = t
	r.phase = PhaseAwaitingSetup
	return nil
}

// DetachUpstream drops the reference to t after the upstream side closed on
// its own. The phase is left alone: ready never reverts.
func (r *Record) DetachUpstream(t types.Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upstream == nil || r.upstream != t {
		return false
	}
	r.upstream = nil
	return true
}

// MarkReady records the setup-complete signal. It reports true only for the
// single false→true transition.
func (r *Record) MarkReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready || r.phase != PhaseAwaitingSetup {
		return false
	}
	r.ready = true
	r.phase = PhaseReady
	return true
}

func (r *Record) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Record) SetGenerating(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generating = v
}

func (r *Record) IsGenerating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generating
}

// Touch marks inbound client activity at now.
func (r *Record) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.lastActivity) {
		r.lastActivity = now
	}
}

func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Record) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Closing reports whether teardown has started.
func (r *Record) Closing() bool {
	return r.Phase() >= PhaseClosing
}

// Info returns a point-in-time snapshot for reporting.
func (r *Record) Info() types.ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.ConnectionInfo{
		ID:           r.ID,
		Ready:        r.ready,
		Generating:   r.generating,
		LastActivity: r.lastActivity,
	}
}

// beginClose moves the record to PhaseClosing and hands back the transports
// the caller must close. ok is false when teardown already started.
func (r *Record) beginClose() (client, upstream types.Transport, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase >= PhaseClosing {
		return nil, nil, false
	}
	r.phase = PhaseClosing
	client, upstream = r.client, r.upstream
	r.upstream = nil
	return client, upstream, true
}

func (r *Record) finishClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = PhaseClosed
}
