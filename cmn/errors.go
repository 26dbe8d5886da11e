package cmn

import "github.com/pkg/errors"

// ErrKind enumerates the error kinds of spec.md §7. These are kinds, not
// concrete types: recoverable conditions travel as status enums or ErrCode on
// a Response and never cross the Dealer boundary as a raw Go error.
type ErrKind int

const (
	ErrKindNone ErrKind = iota
	ErrKindTransport
	ErrKindRoutingMiss
	ErrKindRegistryMiss
	ErrKindRegistryDisconnect
	ErrKindProtocolMisuse
	ErrKindTimeout
	ErrKindAccumulatorNotFound
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport"
	case ErrKindRoutingMiss:
		return "routing-miss"
	case ErrKindRegistryMiss:
		return "registry-miss"
	case ErrKindRegistryDisconnect:
		return "registry-disconnect"
	case ErrKindProtocolMisuse:
		return "protocol-misuse"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindAccumulatorNotFound:
		return "accumulator-not-found"
	default:
		return "none"
	}
}

// KindError pairs an ErrKind with a wrapped cause, using pkg/errors so the
// call stack is preserved across package boundaries (teacher's go.mod direct
// dependency, used repo-wide for error wrapping).
type KindError struct {
	Kind  ErrKind
	cause error
}

func (e *KindError) Error() string { return e.Kind.String() + ": " + e.cause.Error() }
func (e *KindError) Unwrap() error { return e.cause }

// NewKindError wraps cause (via pkg/errors.Wrap, to attach a stack trace) with
// the given ErrKind.
func NewKindError(kind ErrKind, cause error, msg string) *KindError {
	return &KindError{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// KindOf extracts the ErrKind from err, or ErrKindNone if err doesn't carry one.
func KindOf(err error) ErrKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindNone
}
