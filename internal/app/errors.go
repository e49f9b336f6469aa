package app

import "errors"

var (
	// ErrReconnectFailed ends a run whose session dropped and could not be
	// brought back with the single allowed reconnect attempt.
	ErrReconnectFailed = errors.New("app: reconnect failed")
	// ErrNotConnected is returned when the session never became ready.
	ErrNotConnected = errors.New("app: session not ready")
)
