package upstream

import "errors"

var (
	ErrMissingCredential = errors.New("upstream API key not configured")
	ErrMalformedEnvelope = errors.New("malformed upstream envelope")
	ErrInvalidAudio      = errors.New("invalid inline audio payload")
	ErrInvalidSession    = errors.New("invalid session config")
)
