package contacts

import "errors"

var (
	// ErrInput marks problems with the input file itself (missing, unreadable,
	// no header, no data). Runs abort on it before any message is sent.
	ErrInput = errors.New("invalid input")
)
