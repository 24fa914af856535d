package contract

import (
	"errors"
	"fmt"
)

// RejectReason classifies why a candidate commit was rejected, matching
// the structured error taxonomy the teacher's rpc/types.go uses for
// JSON-RPC error codes — each reason maps to a stable string so clients
// can branch on rejection cause without parsing prose.
type RejectReason string

const (
	RejectBadSignature       RejectReason = "BadSignature"
	RejectParentMismatch     RejectReason = "ParentMismatch"
	RejectNoEnabledTransition RejectReason = "NoEnabledTransition"
	RejectAmbiguousTransition RejectReason = "AmbiguousTransition"
	RejectInvalidModel       RejectReason = "InvalidModel"
	RejectRuleViolation      RejectReason = "RuleViolation"
	RejectNotGenesis         RejectReason = "NotGenesis"
	RejectAssetInvariant     RejectReason = "AssetInvariant"
	RejectUnknownPredicate   RejectReason = "UnknownPredicate"
	RejectInvokeFailure      RejectReason = "InvokeFailure"
)

// RejectionError is returned by Validate when a commit is illegal.
// Grounded on core/blockchain.go's plain wrapped-error style but given a
// stable Reason field so callers (RPC handlers, CLI) can report a
// machine-readable cause alongside the human message.
type RejectionError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func newRejection(reason RejectReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a RejectionError with the given
// reason, unwrapping as needed — ReplayLog wraps each commit's rejection
// in a fmt.Errorf("replay commit %s: %w", ...), so a plain type assertion
// would miss it.
func IsRejection(err error, reason RejectReason) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Reason == reason
}
