package dispatch

import "errors"

var (
	ErrNoSender   = errors.New("dispatch: sender is required")
	ErrNoLedger   = errors.New("dispatch: ledger is required")
	ErrNoRenderer = errors.New("dispatch: renderer is required")
	ErrNoQuota    = errors.New("dispatch: quota gate is required")
)
