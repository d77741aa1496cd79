package channel

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorKind enumerates the typed failures of spec §7. Callers branch on
// Kind rather than matching error strings.
type ErrorKind string

const (
	BadUpdateType      ErrorKind = "BadUpdateType"
	InvalidParams      ErrorKind = "InvalidParams"
	StaleUpdate        ErrorKind = "StaleUpdate"
	InvalidNonce       ErrorKind = "InvalidNonce"
	InvalidSignature   ErrorKind = "InvalidSignature"
	MerkleRootMismatch ErrorKind = "MerkleRootMismatch"
	BalanceMismatch    ErrorKind = "BalanceMismatch"
	CannotGenerate     ErrorKind = "CannotGenerate"
	ApplyUpdateFailed  ErrorKind = "ApplyUpdateFailed"
	ChainServiceFailure ErrorKind = "ChainServiceFailure"
	StoreFailure       ErrorKind = "StoreFailure"
	MessagingTimeout   ErrorKind = "MessagingTimeout"
	AcquireLockFailed  ErrorKind = "AcquireLockFailed"
	RestoreFailed      ErrorKind = "RestoreFailed"
)

// RestoreSubReason is populated on Error when Kind == RestoreFailed.
type RestoreSubReason string

const (
	InvalidChannelAddress RestoreSubReason = "InvalidChannelAddress"
	InvalidSignatures     RestoreSubReason = "InvalidSignatures"
	InvalidMerkleRoot     RestoreSubReason = "InvalidMerkleRoot"
	SyncableState         RestoreSubReason = "SyncableState"
	SaveFailed            RestoreSubReason = "SaveFailed"
)

// Error is the core's single error type. It always carries enough context
// to diagnose a rejected update without string-matching: the offending
// channel, the nonces involved, and the field that failed a check.
type Error struct {
	Kind           ErrorKind
	ChannelAddress common.Address
	Nonces         []uint64
	Field          string
	SubReason      RestoreSubReason
	Err            error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: channel %s", e.Kind, e.ChannelAddress.Hex())
	if e.Field != "" {
		msg += fmt.Sprintf(" field=%s", e.Field)
	}
	if len(e.Nonces) > 0 {
		msg += fmt.Sprintf(" nonces=%v", e.Nonces)
	}
	if e.SubReason != "" {
		msg += fmt.Sprintf(" subreason=%s", e.SubReason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target has the same Kind, so callers can write
// errors.Is(err, &channel.Error{Kind: channel.StaleUpdate}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an Error with the given kind and context. field and
// wrapped may be empty/nil.
func NewError(kind ErrorKind, chanAddr common.Address, field string, wrapped error, nonces ...uint64) *Error {
	return &Error{
		Kind:           kind,
		ChannelAddress: chanAddr,
		Field:          field,
		Nonces:         nonces,
		Err:            wrapped,
	}
}

// Retryable reports whether the caller may retry the operation that
// produced this error, per spec §7's propagation rules: transport
// timeouts and lock-acquisition failures are retryable, everything else
// is a fatal rejection of this attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case MessagingTimeout, AcquireLockFailed:
		return true
	default:
		return false
	}
}
