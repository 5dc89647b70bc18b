// Package client is a Go client for the voice relay /voice endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	cidpkg "voicerelay/internal/cid"
	"voicerelay/pkg/protocol"
)

var ErrNotConnected = errors.New("client not connected")

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
func buildDialHeaders(ctx context.Context, userAgent string) http.Header {
	headers := http.Header{"User-Agent": {userAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// VoiceClient is a connection to the relay.
type VoiceClient struct {
	config  ClientConfig
	handler EventHandler

	mu           sync.Mutex
	conn         *websocket.Conn
	connectionID string
	ready        chan struct{}
	readyOnce    sync.Once
}

// NewVoiceClient creates a client; call Connect before using it.
func NewVoiceClient(config ClientConfig) *VoiceClient {
	if config.UserAgent == "" {
		config.UserAgent = "voicerelay-client/1.0.0"
	}
	return &VoiceClient{
		config:  config,
		handler: &DefaultEventHandler{},
		ready:   make(chan struct{}),
	}
}

// SetEventHandler sets a custom event handler
func (c *VoiceClient) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// ConnectionID returns the id announced by the relay, or "" before ready.
func (c *VoiceClient) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *VoiceClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Ready is closed once the relay reports the upstream session as connected.
func (c *VoiceClient) Ready() <-chan struct{} {
	return c.ready
}

// Connect dials the relay. A correlation id on ctx is sent as a header.
func (c *VoiceClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.config.UserAgent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Disconnect closes the connection.
func (c *VoiceClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (c *VoiceClient) getConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// SendAudio sends one chunk of 16 kHz mono PCM.
func (c *VoiceClient) SendAudio(ctx context.Context, pcm []byte) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (c *VoiceClient) Ping(ctx context.Context) error {
	return c.sendControl(ctx, protocol.TypePing)
}

// Interrupt asks the model to stop the response it is generating.
func (c *VoiceClient) Interrupt(ctx context.Context) error {
	return c.sendControl(ctx, protocol.TypeInterrupt)
}

// EndAudioStream tells the relay the microphone stream has stopped.
func (c *VoiceClient) EndAudioStream(ctx context.Context) error {
	return c.sendControl(ctx, protocol.TypeAudioStreamEnd)
}

func (c *VoiceClient) sendControl(ctx context.Context, typ string) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, protocol.Simple(typ)); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return nil
}

// Listen reads relay messages and dispatches them to the event handler
// until ctx is done or the connection fails.
func (c *VoiceClient) Listen(ctx context.Context) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		if typ == websocket.MessageBinary {
			c.handler.OnAudio(data)
			continue
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			log.Warn().Err(err).Msg("failed to parse relay message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *VoiceClient) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnection:
		if msg.Status == protocol.StatusConnected {
			c.mu.Lock()
			c.connectionID = msg.ConnectionID
			c.mu.Unlock()
			c.readyOnce.Do(func() { close(c.ready) })
			c.handler.OnConnected(msg.ConnectionID)
			return
		}
		c.handler.OnDisconnected()
	case protocol.TypeError:
		c.handler.OnError(msg.Message)
	case protocol.TypePong:
		c.handler.OnPong()
	case protocol.TypeGenerationComplete:
		c.handler.OnGenerationComplete()
	case protocol.TypeInterrupted:
		c.handler.OnInterrupted()
	case protocol.TypeTurnComplete:
		c.handler.OnTurnComplete()
	default:
		log.Debug().Str("type", msg.Type).Msg("ignoring unknown relay message")
	}
}
