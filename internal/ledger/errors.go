package ledger

import "errors"

var (
	ErrNotFound          = errors.New("ledger: recipient not found")
	ErrInvalidIdentifier = errors.New("ledger: empty identifier")
	ErrClosed            = errors.New("ledger: closed")
)
