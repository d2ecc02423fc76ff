package transport

import "errors"

var (
	// ErrUnsupportedTransport is returned for a transport type this server does not implement.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	ErrAlreadyStarted = errors.New("transport already started")
)
