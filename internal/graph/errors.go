package graph

import "errors"

// Sentinel errors for the mutation taxonomy. Callers classify with
// errors.Is and translate to wire reason codes via ReasonCode.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidReference  = errors.New("invalid reference")
	ErrStaleState        = errors.New("stale state")
	ErrAlreadyGrouped    = errors.New("already grouped")
	ErrCircularReference = errors.New("circular reference")
	ErrDepthExceeded     = errors.New("nesting depth exceeded")
	ErrGroupNotFound     = errors.New("group not found")
)

// ReasonCode maps an error to the stable reason code sent to clients in a
// rejected-mutation response. Unrecognized errors map to INTERNAL.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrGroupNotFound):
		return "GROUP_NOT_FOUND"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStaleState):
		return "STALE_STATE"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrInvalidReference):
		return "INVALID_REFERENCE"
	case errors.Is(err, ErrAlreadyGrouped):
		return "ALREADY_GROUPED"
	case errors.Is(err, ErrCircularReference):
		return "CIRCULAR_REFERENCE"
	case errors.Is(err, ErrDepthExceeded):
		return "DEPTH_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
