package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	cidpkg "voicerelay/internal/cid"
	"voicerelay/internal/types"
)

// DefaultBaseURL is the Gemini Live bidirectional streaming endpoint.
const DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// DefaultReadLimit bounds a single upstream message. Audio chunks are well
// below this but the library default of 32KiB is not.
const DefaultReadLimit = 8 << 20

// Dialer opens upstream session transports.
type Dialer interface {
	Dial(ctx context.Context) (types.Transport, error)
}

// WebSocketDialer dials the provider over a real websocket.
type WebSocketDialer struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	ReadLimit int64
}

func (d *WebSocketDialer) Dial(ctx context.Context) (types.Transport, error) {
	if d.APIKey == "" {
		return nil, ErrMissingCredential
	}
	target, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if d.UserAgent != "" {
		headers.Set("User-Agent", d.UserAgent)
	}
	cidpkg.AddHeaderFromContext(headers, ctx)

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, &dialError{err: err, msg: redact(err.Error(), d.APIKey)}
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return conn, nil
}

func (d *WebSocketDialer) endpoint() (string, error) {
	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("key", d.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialError hides the API key, which travels in the query string and tends
// to show up in net/http error messages.
type dialError struct {
	err error
	msg string
}

func (e *dialError) Error() string { return "dial upstream: " + e.msg }
func (e *dialError) Unwrap() error { return e.err }

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, secret, "REDACTED")
	return strings.ReplaceAll(s, url.QueryEscape(secret), "REDACTED")
}

// IsDialError reports whether err came from opening the upstream socket.
func IsDialError(err error) bool {
	var de *dialError
	return errors.As(err, &de)
}
