package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicerelay/internal/testhelpers"
)

func TestRecordPhaseTransitions(t *testing.T) {
	rec := newRecord("r1", testhelpers.NewFakeTransport(), time.Now())
	require.Equal(t, PhaseConnecting, rec.Phase())

	// setup-complete before the upstream is attached is not a legal transition
	assert.False(t, rec.MarkReady())
	assert.False(t, rec.IsReady())

	up := testhelpers.NewFakeTransport()
	require.NoError(t, rec.AttachUpstream(up))
	assert.Equal(t, PhaseAwaitingSetup, rec.Phase())

	assert.True(t, rec.MarkReady())
	assert.False(t, rec.MarkReady(), "ready transitions exactly once")
	assert.Equal(t, PhaseReady, rec.Phase())

	// upstream going away leaves ready untouched
	assert.True(t, rec.DetachUpstream(up))
	assert.False(t, rec.DetachUpstream(up))
	assert.True(t, rec.IsReady())

	client, upstream, ok := rec.beginClose()
	require.True(t, ok)
	assert.NotNil(t, client)
	assert.Nil(t, upstream)
	assert.True(t, rec.IsReady(), "ready never reverts while the record lives")

	_, _, ok = rec.beginClose()
	assert.False(t, ok)
	rec.finishClose()
	assert.Equal(t, PhaseClosed, rec.Phase())
}

func TestRecordAttachUpstream(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *Record)
		wantErr error
	}{
		{name: "first attach", prepare: func(r *Record) {}},
		{
			name:    "second attach",
			prepare: func(r *Record) { _ = r.AttachUpstream(testhelpers.NewFakeTransport()) },
			wantErr: ErrUpstreamAttached,
		},
		{
			name: "after detach",
			prepare: func(r *Record) {
				up := testhelpers.NewFakeTransport()
				_ = r.AttachUpstream(up)
				r.DetachUpstream(up)
			},
			wantErr: ErrUpstreamAttached,
		},
		{
			name:    "while closing",
			prepare: func(r *Record) { r.beginClose() },
			wantErr: ErrRecordClosing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecord("r", testhelpers.NewFakeTransport(), time.Now())
			tt.prepare(rec)
			err := rec.AttachUpstream(testhelpers.NewFakeTransport())
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestRecordTouchIsMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := newRecord("r", testhelpers.NewFakeTransport(), base)

	rec.Touch(base.Add(time.Second))
	rec.Touch(base)
	assert.Equal(t, base.Add(time.Second), rec.LastActivity())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "awaiting_setup", PhaseAwaitingSetup.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
