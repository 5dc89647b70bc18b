package types

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Transport is one side of a relayed connection. *websocket.Conn satisfies it
// for both the browser-facing socket and the upstream session socket.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ConnectionInfo is the externally reportable view of a connection record.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	Ready        bool      `json:"ready"`
	Generating   bool      `json:"generating"`
	LastActivity time.Time `json:"lastActivity"`
}

type HealthStatus struct {
	Status            string  `json:"status"`
	ActiveConnections int     `json:"activeConnections"`
	Uptime            float64 `json:"uptime"`
	Model             string  `json:"model"`
	HasAPIKey         bool    `json:"hasApiKey"`
}

type ServerStats struct {
	TotalConnections int              `json:"totalConnections"`
	Connections      []ConnectionInfo `json:"connections"`
}
