package messaging

import "fmt"

// Code enumerates the closed set of failures the messaging program can
// report. Codes are stable wire values: the RPC boundary flattens an *Error
// to its Code.
type Code uint32

const (
	// CodeAddressMismatch: a supplied account address does not equal its
	// re-derived expected address.
	CodeAddressMismatch Code = iota + 1
	// CodeAlreadyInitialized: the creation target is already non-empty.
	CodeAlreadyInitialized
	// CodeUninitializedAccount: a dependency account is empty when it must
	// already exist.
	CodeUninitializedAccount
	// CodeIncorrectOwner: a referenced account is not owned by this program.
	CodeIncorrectOwner
	// CodeMembershipViolation: the signer has no recorded link to the
	// conversation being written.
	CodeMembershipViolation
	// CodeMissingSignature: a required signer did not sign.
	CodeMissingSignature
	// CodeInvalidSystemReference: rent/clock keys are not the genuine system
	// singletons.
	CodeInvalidSystemReference
	// CodeDecodeFailure: instruction payload or account bytes do not parse.
	CodeDecodeFailure
	// CodeAllocationFailure: the host rejected storage creation.
	CodeAllocationFailure
)

func (c Code) String() string {
	switch c {
	case CodeAddressMismatch:
		return "address_mismatch"
	case CodeAlreadyInitialized:
		return "already_initialized"
	case CodeUninitializedAccount:
		return "uninitialized_account"
	case CodeIncorrectOwner:
		return "incorrect_owner"
	case CodeMembershipViolation:
		return "membership_violation"
	case CodeMissingSignature:
		return "missing_signature"
	case CodeInvalidSystemReference:
		return "invalid_system_reference"
	case CodeDecodeFailure:
		return "decode_failure"
	case CodeAllocationFailure:
		return "allocation_failure"
	}
	return "unknown"
}

// Error is a typed program failure. Two Errors match under errors.Is when
// their codes are equal, so handlers can return enriched instances while
// callers compare against the exported sentinels.
type Error struct {
	Code  Code
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("messaging: %s: %v", e.msg, e.cause)
	}
	return "messaging: " + e.msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.cause }

var (
	ErrAddressMismatch        = &Error{Code: CodeAddressMismatch, msg: "account address does not match seed derivation"}
	ErrAlreadyInitialized     = &Error{Code: CodeAlreadyInitialized, msg: "account is already initialized"}
	ErrUninitializedAccount   = &Error{Code: CodeUninitializedAccount, msg: "account is not initialized"}
	ErrIncorrectOwner         = &Error{Code: CodeIncorrectOwner, msg: "account is not owned by this program"}
	ErrMembershipViolation    = &Error{Code: CodeMembershipViolation, msg: "sender is not connected with this conversation"}
	ErrMissingSignature       = &Error{Code: CodeMissingSignature, msg: "required signature missing"}
	ErrInvalidSystemReference = &Error{Code: CodeInvalidSystemReference, msg: "system account reference does not match the genuine singleton"}
	ErrDecodeFailure          = &Error{Code: CodeDecodeFailure, msg: "payload does not parse as the expected schema"}
	ErrAllocationFailure      = &Error{Code: CodeAllocationFailure, msg: "storage allocation rejected by the host"}
)

func decodeFailure(err error) error {
	return &Error{Code: CodeDecodeFailure, msg: "payload does not parse as the expected schema", cause: err}
}

func allocationFailure(err error) error {
	return &Error{Code: CodeAllocationFailure, msg: "storage allocation rejected by the host", cause: err}
}
