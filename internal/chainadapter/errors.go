package chainadapter

import "errors"

// Kind is one of the six error kinds enumerated in spec.md §7. It carries no
// language-specific exception semantics; it is plain data a caller switches
// on to decide how to propagate or react.
type Kind int

const (
	// InputValidation: malformed userId, unknown coin, invalid destination
	// address, amount below minimum-plus-fee, destination equals a managed
	// address, tag not a non-negative integer.
	InputValidation Kind = iota
	// StateConflict: pending already exists, duplicate amount handle,
	// insufficient backend balance for admission.
	StateConflict
	// AdapterTransient: chain-RPC returned non-success, or a deposit page
	// was malformed. Latches the adapter.
	AdapterTransient
	// AdapterReject: destination validation failed, or the chain rejected
	// submission outright. Does not latch; the pending row is dropped and a
	// rejection event is emitted.
	AdapterReject
	// StorageFatal: the persistence substrate errored inside atomic(). Rolls
	// back and latches the adapter.
	StorageFatal
	// ProgrammerError: a sanity check failed (derived-address mismatch, a
	// broken accounting invariant). Latches and demands an operator.
	ProgrammerError
)

func (k Kind) String() string {
	switch k {
	case InputValidation:
		return "input_validation"
	case StateConflict:
		return "state_conflict"
	case AdapterTransient:
		return "adapter_transient"
	case AdapterReject:
		return "adapter_reject"
	case StorageFatal:
		return "storage_fatal"
	case ProgrammerError:
		return "programmer_error"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its Kind, so callers across package
// boundaries can classify it with errors.As without string matching.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap constructs a classified Error.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf constructs a classified Error from a message.
func Newf(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Cause: errors.New(msg)}
}

// Latches reports whether an error of this kind latches the adapter's fatal
// state, per spec.md §7 propagation rules.
func (k Kind) Latches() bool {
	switch k {
	case AdapterTransient, StorageFatal, ProgrammerError:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind carried by err, defaulting to InputValidation if
// err isn't a classified *Error (a defensive default, never expected to be
// hit by adapter code that always classifies its own errors).
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return InputValidation
}
