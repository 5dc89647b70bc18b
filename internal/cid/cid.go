package cid

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

// ContextKey is the type used for storing CID in context to avoid collisions.
type ContextKey struct{}

// HeaderName is the HTTP header carrying the correlation id. An incoming value
// is kept as-is; otherwise the server middleware generates a KSUID.
const HeaderName = "X-Voice-CID"

// AttributeName is the span attribute key used to attach CID to spans.
const AttributeName = "voicerelay.cid"

// New returns a fresh correlation id.
func New() string {
	return ksuid.New().String()
}

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

// CIDFromContext extracts the correlation id from context, if present.
func CIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// FromRequest returns the CID sent by the caller, or a new one.
func FromRequest(r *http.Request) string {
	if v := r.Header.Get(HeaderName); v != "" {
		return v
	}
	return New()
}

// AddHeaderFromContext sets the CID header on headers when ctx carries one.
func AddHeaderFromContext(headers http.Header, ctx context.Context) {
	if headers == nil {
		return
	}
	if cid := CIDFromContext(ctx); cid != "" {
		headers.Set(HeaderName, cid)
	}
}

// Logger returns l annotated with the context's CID.
func Logger(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	if cid := CIDFromContext(ctx); cid != "" {
		return l.With().Str("cid", cid).Logger()
	}
	return l
}
