package state

import "errors"

var (
	ErrConnectionExists = errors.New("connection already registered")
	ErrInvalidID        = errors.New("invalid connection ID")
	ErrNilTransport     = errors.New("nil transport")
	ErrUpstreamAttached = errors.New("upstream already attached")
	ErrRecordClosing    = errors.New("connection is closing")
)
