package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an engine error for callers and monitoring.
type Kind int

const (
	KindNone Kind = iota
	// KindRejection: a precondition failed; nothing was mutated.
	KindRejection
	// KindIntegrity: the engine found its own state or custody inconsistent.
	// Requires operator attention.
	KindIntegrity
	// KindExternal: a collaborator (custody, receipt ledger, store) failed and
	// the operation was rolled back.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindRejection:
		return "rejection"
	case KindIntegrity:
		return "integrity"
	case KindExternal:
		return "external"
	default:
		return "none"
	}
}

// Code is the enumerable error kind surfaced to clients.
type Code string

const (
	CodeInvalidAmount       Code = "InvalidAmount"
	CodeContractPaused      Code = "ContractPaused"
	CodeBelowMinStake       Code = "BelowMinStake"
	CodeAlreadyStaking      Code = "AlreadyStaking"
	CodeCapExceeded         Code = "CapExceeded"
	CodeNoActiveStake       Code = "NoActiveStake"
	CodeLockupPeriodNotOver Code = "LockupPeriodNotOver"
	CodeNotAdmin            Code = "NotAdmin"
	CodeInvalidParameter    Code = "InvalidParameter"
	CodeCapBelowTVL         Code = "CapBelowTVL"
	CodeDuplicateOperation  Code = "DuplicateOperation"

	CodeInsufficientCustody Code = "InsufficientCustody"
	CodeOverflow            Code = "Overflow"
	CodeCompensationFailed  Code = "CompensationFailed"
	CodeInvariantViolation  Code = "InvariantViolation"

	CodeExternalFailure Code = "ExternalFailure"
)

// Error is the engine's typed error. Two Errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code  Code
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func sentinel(code Code, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg}
}

var (
	ErrInvalidAmount       = sentinel(CodeInvalidAmount, KindRejection, "amount must be greater than zero")
	ErrContractPaused      = sentinel(CodeContractPaused, KindRejection, "staking is paused")
	ErrBelowMinStake       = sentinel(CodeBelowMinStake, KindRejection, "amount below minimum stake")
	ErrAlreadyStaking      = sentinel(CodeAlreadyStaking, KindRejection, "account already has an active stake")
	ErrCapExceeded         = sentinel(CodeCapExceeded, KindRejection, "stake would exceed pool cap")
	ErrNoActiveStake       = sentinel(CodeNoActiveStake, KindRejection, "account has no active stake")
	ErrLockupPeriodNotOver = sentinel(CodeLockupPeriodNotOver, KindRejection, "lockup period not over")
	ErrNotAdmin            = sentinel(CodeNotAdmin, KindRejection, "caller is not the admin")
	ErrInvalidParameter    = sentinel(CodeInvalidParameter, KindRejection, "invalid parameter")
	ErrCapBelowTVL         = sentinel(CodeCapBelowTVL, KindRejection, "cap below total value locked")
	ErrDuplicateOperation  = sentinel(CodeDuplicateOperation, KindRejection, "operation already processed")

	ErrInsufficientCustody = sentinel(CodeInsufficientCustody, KindIntegrity, "custody reserve cannot cover payout")
	ErrOverflow            = sentinel(CodeOverflow, KindIntegrity, "arithmetic overflow")
	ErrCompensationFailed  = sentinel(CodeCompensationFailed, KindIntegrity, "rollback step failed")
	ErrInvariantViolation  = sentinel(CodeInvariantViolation, KindIntegrity, "invariant violated")

	ErrExternalFailure = sentinel(CodeExternalFailure, KindExternal, "collaborator failed")
)

// newError copies a sentinel with a detailed message and optional cause.
func newError(base *Error, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:  base.Code,
		Kind:  base.Kind,
		Msg:   fmt.Sprintf(format, args...),
		cause: cause,
	}
}

func reject(base *Error, format string, args ...interface{}) error {
	return newError(base, nil, format, args...)
}

func integrityFault(base *Error, cause error, format string, args ...interface{}) error {
	return newError(base, cause, format, args...)
}

func externalFailure(cause error, format string, args ...interface{}) error {
	return newError(ErrExternalFailure, cause, format, args...)
}

// KindOf returns the classification of err. Errors that did not originate
// in the engine count as external.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternal
}

// CodeOf returns the client-facing code of err.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExternalFailure
}

func IsRejection(err error) bool      { return KindOf(err) == KindRejection }
func IsIntegrityFault(err error) bool { return KindOf(err) == KindIntegrity }
