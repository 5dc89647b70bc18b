package client

import "github.com/rs/zerolog/log"

// ClientConfig holds configuration for the voice client
type ClientConfig struct {
	ServerURL string
	UserAgent string
	// ReadLimit bounds a single received message; zero keeps the default.
	ReadLimit int64
}

// EventHandler defines callbacks for handling relay events
type EventHandler interface {
	OnConnected(connectionID string)
	OnDisconnected()
	OnAudio(pcm []byte)
	OnGenerationComplete()
	OnInterrupted()
	OnTurnComplete()
	OnPong()
	OnError(message string)
}

// DefaultEventHandler logs every event.
type DefaultEventHandler struct{}

func (h *DefaultEventHandler) OnConnected(id string) {
	log.Info().Str("connection_id", id).Msg("session ready")
}
func (h *DefaultEventHandler) OnDisconnected()       { log.Info().Msg("upstream session ended") }
func (h *DefaultEventHandler) OnAudio(pcm []byte)    { log.Debug().Int("bytes", len(pcm)).Msg("audio received") }
func (h *DefaultEventHandler) OnGenerationComplete() { log.Debug().Msg("generation complete") }
func (h *DefaultEventHandler) OnInterrupted()        { log.Info().Msg("response interrupted") }
func (h *DefaultEventHandler) OnTurnComplete()       { log.Debug().Msg("turn complete") }
func (h *DefaultEventHandler) OnPong()               { log.Debug().Msg("pong") }
func (h *DefaultEventHandler) OnError(message string) {
	log.Error().Str("message", message).Msg("relay error")
}
