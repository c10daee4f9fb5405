package transfer

import (
	"errors"
)

// Sentinel errors shared across the engine.
var (
	ErrTransferCancelled  = errors.New("transfer cancelled")
	ErrSessionMismatch    = errors.New("message belongs to another session")
	ErrIncompleteTransfer = errors.New("transfer-complete received before all files were finalized")
	ErrChannelClosed      = errors.New("data channel closed")
	ErrConnectTimeout     = errors.New("connection deadline exceeded")
)

// FailureCategory is the user-facing classification of a terminal transfer
// error. The detailed error stays in logs; consumers branch on the
// category.
type FailureCategory string

const (
	FailureTimeout        FailureCategory = "timeout"
	FailureIntegrity      FailureCategory = "integrity"
	FailureConnectionLost FailureCategory = "connection-lost"
	FailureGeneric        FailureCategory = "generic-retry"
)

// Categorize maps an engine error to its user-facing category.
func Categorize(err error) FailureCategory {
	switch {
	case errors.Is(err, ErrIncompleteTransfer):
		return FailureIntegrity
	case errors.Is(err, ErrChannelClosed):
		return FailureConnectionLost
	case errors.Is(err, ErrConnectTimeout):
		return FailureTimeout
	default:
		return FailureGeneric
	}
}
