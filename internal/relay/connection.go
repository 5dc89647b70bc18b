package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cidpkg "voicerelay/internal/cid"
	"voicerelay/internal/metrics"
	"voicerelay/internal/otelutil"
	"voicerelay/internal/state"
	"voicerelay/internal/types"
	"voicerelay/internal/upstream"
	"voicerelay/pkg/protocol"
)

// ConnectionManager handles the traffic of a single relayed connection.
type ConnectionManager struct {
	relay     *Relay
	record    *state.Record
	client    types.Transport
	clientOut *outbox
	log       zerolog.Logger

	upstreamOut    atomic.Pointer[outbox]
	upstreamFailed atomic.Bool
	setupStarted   time.Time
}

func newConnectionManager(r *Relay, rec *state.Record, client types.Transport) *ConnectionManager {
	cm := &ConnectionManager{
		relay:  r,
		record: rec,
		client: client,
		log:    log.With().Str("conn", rec.ID).Str("cid", rec.CID).Logger(),
	}
	cm.clientOut = newOutbox(client, r.cfg.ClientQueueSize, func(err error) {
		cm.log.Warn().Err(err).Msg("client write failed")
		r.Teardown(rec.ID)
	})
	return cm
}

// Client side

func (cm *ConnectionManager) readClient(ctx context.Context) {
	for {
		typ, data, err := cm.client.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil || cm.record.Closing():
				cm.log.Debug().Err(err).Msg("client read stopped")
			case websocket.CloseStatus(err) != -1:
				cm.log.Info().Int("code", int(websocket.CloseStatus(err))).Msg("client disconnected")
			default:
				cm.log.Warn().Err(err).Msg("client read error")
			}
			return
		}

		if typ == websocket.MessageBinary {
			cm.handleAudio(data)
			continue
		}
		cm.handleControl(data)
	}
}

func (cm *ConnectionManager) handleAudio(data []byte) {
	cm.record.Touch(cm.relay.registry.Now())

	if !cm.record.IsReady() {
		cm.drop(metrics.DropNotReady)
		return
	}
	out := cm.upstreamOut.Load()
	if out == nil {
		cm.drop(metrics.DropNoUpstream)
		return
	}

	payload, err := upstream.NewAudioInput(data, cm.relay.cfg.Session.InputMIMEType)
	if err != nil {
		cm.log.Error().Err(err).Msg("failed to encode audio")
		cm.drop(metrics.DropBadPayload)
		return
	}
	if !out.send(websocket.MessageText, payload) {
		cm.drop(metrics.DropQueueFull)
		return
	}
	cm.relay.metrics.FramesForwarded.WithLabelValues(metrics.DirectionClientToUpstream).Inc()
}

func (cm *ConnectionManager) handleControl(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		cm.log.Warn().Err(err).Msg("failed to parse client message")
		cm.relay.metrics.ParseErrors.WithLabelValues("client").Inc()
		cm.sendToClient(protocol.Error(protocol.ErrMsgProcessing))
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		cm.sendToClient(protocol.Simple(protocol.TypePong))
	case protocol.TypeInterrupt:
		cm.forwardControl(msg.Type, upstream.NewActivityStart)
	case protocol.TypeAudioStreamEnd:
		cm.forwardControl(msg.Type, upstream.NewAudioStreamEnd)
	default:
		cm.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

func (cm *ConnectionManager) forwardControl(kind string, build func() ([]byte, error)) {
	if !cm.record.IsReady() {
		cm.log.Debug().Str("type", kind).Msg("session not ready, control message not forwarded")
		cm.drop(metrics.DropNotReady)
		return
	}
	out := cm.upstreamOut.Load()
	if out == nil {
		cm.log.Debug().Str("type", kind).Msg("no upstream session, control message not forwarded")
		return
	}
	payload, err := build()
	if err != nil {
		cm.log.Error().Err(err).Str("type", kind).Msg("failed to encode control message")
		return
	}
	if !out.send(websocket.MessageText, payload) {
		cm.drop(metrics.DropQueueFull)
		return
	}
	cm.log.Debug().Str("type", kind).Msg("control message forwarded")
}

func (cm *ConnectionManager) sendToClient(m protocol.Message) {
	if !cm.clientOut.send(websocket.MessageText, protocol.Encode(m)) {
		cm.log.Warn().Str("type", m.Type).Msg("client send queue full, event dropped")
		cm.drop(metrics.DropQueueFull)
	}
}

func (cm *ConnectionManager) drop(reason string) {
	cm.relay.metrics.FramesDropped.WithLabelValues(reason).Inc()
}

// Upstream side

func (cm *ConnectionManager) openUpstream(ctx context.Context) {
	r := cm.relay
	if !r.cfg.HasCredential {
		cm.missingCredential()
		return
	}

	ctx = cidpkg.WithCID(ctx, cm.record.CID)
	ctx, span := otelutil.Tracer().Start(ctx, "upstream.open", trace.WithAttributes(
		attribute.String("voicerelay.connection_id", cm.record.ID),
		attribute.String(cidpkg.AttributeName, cm.record.CID),
		attribute.String("voicerelay.model", r.cfg.Session.Model),
	))

	setup, err := upstream.NewSetupMessage(r.cfg.Session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup encoding failed")
		span.End()
		cm.log.Error().Err(err).Msg("failed to build setup message")
		r.metrics.UpstreamSessionsFailed.WithLabelValues("setup").Inc()
		cm.sendToClient(protocol.Error(protocol.ErrMsgUpstreamConnect))
		return
	}

	cm.setupStarted = time.Now()
	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		span.End()
		if errors.Is(err, upstream.ErrMissingCredential) {
			cm.missingCredential()
			return
		}
		if ctx.Err() != nil {
			return
		}
		reason := "dial"
		if !upstream.IsDialError(err) {
			reason = "endpoint"
		}
		cm.log.Error().Err(err).Str("reason", reason).Msg("failed to open upstream session")
		r.metrics.UpstreamSessionsFailed.WithLabelValues(reason).Inc()
		cm.sendToClient(protocol.Error(protocol.ErrMsgUpstreamConnect))
		return
	}

	if err := cm.record.AttachUpstream(conn); err != nil {
		// the client left while we were dialing
		span.End()
		_ = conn.Close(websocket.StatusNormalClosure, "client gone")
		cm.log.Debug().Err(err).Msg("discarding upstream session")
		return
	}

	out := newOutbox(conn, r.cfg.UpstreamQueueSize, func(err error) {
		cm.log.Warn().Err(err).Msg("upstream write failed")
		cm.upstreamFailed.Store(true)
		_ = conn.Close(websocket.StatusInternalError, "write failed")
	})
	// setup must be the first frame on the socket, so it is queued before
	// the outbox becomes visible to the client reader
	out.send(websocket.MessageText, setup)
	cm.upstreamOut.Store(out)
	go out.run(ctx)
	r.metrics.UpstreamSessionsOpened.Inc()
	span.End()
	cm.log.Info().Str("model", r.cfg.Session.Model).Msg("upstream session opened, setup sent")

	cm.readUpstream(ctx, conn, out)
}

func (cm *ConnectionManager) missingCredential() {
	cm.log.Error().Err(upstream.ErrMissingCredential).Msg("cannot open upstream session")
	cm.relay.metrics.UpstreamSessionsFailed.WithLabelValues("missing_credential").Inc()
	cm.sendToClient(protocol.Error(protocol.ErrMsgMissingAPIKey))
}

func (cm *ConnectionManager) readUpstream(ctx context.Context, conn types.Transport, out *outbox) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.upstreamEnded(ctx, conn, out, err)
			return
		}
		cm.handleUpstreamMessage(data)
	}
}

// upstreamEnded handles the upstream socket going away. The client
// connection stays open; the client or the reaper decides when it ends.
func (cm *ConnectionManager) upstreamEnded(ctx context.Context, conn types.Transport, out *outbox, err error) {
	out.close()
	cm.upstreamOut.CompareAndSwap(out, nil)
	cm.record.DetachUpstream(conn)

	if ctx.Err() != nil || cm.record.Closing() {
		cm.log.Debug().Err(err).Msg("upstream read stopped")
		return
	}

	status := websocket.CloseStatus(err)
	if status == -1 || cm.upstreamFailed.Load() {
		cm.log.Error().Err(err).Msg("upstream connection error")
		cm.relay.metrics.UpstreamEvents.WithLabelValues("error").Inc()
		cm.sendToClient(protocol.Error(protocol.ErrMsgUpstream))
		_ = conn.Close(websocket.StatusInternalError, "upstream error")
	} else {
		cm.log.Info().Int("code", int(status)).Msg("upstream session closed")
	}
	cm.relay.metrics.UpstreamEvents.WithLabelValues("close").Inc()
	cm.sendToClient(protocol.Disconnected())
}

func (cm *ConnectionManager) handleUpstreamMessage(data []byte) {
	msg, err := upstream.ParseServerMessage(data)
	if err != nil {
		cm.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed upstream message")
		cm.relay.metrics.ParseErrors.WithLabelValues("upstream").Inc()
		return
	}

	if msg.SetupComplete != nil {
		cm.onSetupComplete()
	}
	if msg.ServerContent != nil {
		cm.onServerContent(msg.ServerContent)
	}
	if msg.GoAway != nil {
		cm.log.Warn().Str("time_left", msg.GoAway.TimeLeft).Msg("upstream announced goAway")
		cm.relay.metrics.UpstreamGoAway.Inc()
	}
	if len(msg.UsageMetadata) > 0 {
		cm.log.Debug().RawJSON("usage", msg.UsageMetadata).Msg("upstream usage")
	}
}

func (cm *ConnectionManager) onSetupComplete() {
	if !cm.record.MarkReady() {
		cm.log.Debug().Msg("duplicate setupComplete ignored")
		return
	}
	m := cm.relay.metrics
	m.UpstreamEvents.WithLabelValues("setup_complete").Inc()
	if !cm.setupStarted.IsZero() {
		m.UpstreamSetupDuration.Observe(time.Since(cm.setupStarted).Seconds())
	}
	cm.log.Info().Msg("upstream setup complete, connection ready")
	cm.sendToClient(protocol.Connected(cm.record.ID))
}

func (cm *ConnectionManager) onServerContent(sc *upstream.ServerContent) {
	if sc.ModelTurn != nil {
		cm.record.SetGenerating(true)
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || !part.InlineData.IsAudio() {
				continue
			}
			audio, err := part.InlineData.Decode()
			if err != nil {
				cm.log.Warn().Err(err).Msg("dropping undecodable upstream audio")
				cm.drop(metrics.DropBadPayload)
				continue
			}
			if !cm.clientOut.send(websocket.MessageBinary, audio) {
				cm.drop(metrics.DropQueueFull)
				continue
			}
			cm.relay.metrics.FramesForwarded.WithLabelValues(metrics.DirectionUpstreamToClient).Inc()
		}
	}

	if sc.GenerationComplete {
		cm.endTurn(protocol.TypeGenerationComplete)
	}
	if sc.Interrupted {
		cm.endTurn(protocol.TypeInterrupted)
	}
	if sc.TurnComplete {
		cm.endTurn(protocol.TypeTurnComplete)
	}
}

func (cm *ConnectionManager) endTurn(kind string) {
	cm.record.SetGenerating(false)
	cm.relay.metrics.UpstreamEvents.WithLabelValues(kind).Inc()
	cm.log.Debug().Str("event", kind).Msg("turn signal")
	cm.sendToClient(protocol.Simple(kind))
}
