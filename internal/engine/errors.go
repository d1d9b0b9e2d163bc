package engine

import "errors"

// Code is the stable identifier of an engine error.
type Code string

const (
	CodeFeeTooHigh        Code = "FeeTooHigh"
	CodeInvalidState      Code = "InvalidState"
	CodeMarketClosed      Code = "MarketClosed"
	CodeTooEarly          Code = "TooEarly"
	CodeUnauthorized      Code = "Unauthorized"
	CodeZeroAmount        Code = "ZeroAmount"
	CodeWrongSide         Code = "WrongSide"
	CodeInvalidBet        Code = "InvalidBet"
	CodeOverflow          Code = "Overflow"
	CodeAlreadyClaimed    Code = "AlreadyClaimed"
	CodeLoserCannotClaim  Code = "LoserCannotClaim"
	CodeNothingToClaim    Code = "NothingToClaim"
	CodeInsufficientFunds Code = "InsufficientFunds"
	CodeMarketNotFound    Code = "MarketNotFound"
	CodeMarketExists      Code = "MarketExists"
)

// Class groups codes the way callers usually want to present them.
type Class int

const (
	ClassInternal Class = iota
	ClassConfiguration
	ClassLifecycle
	ClassAuthorization
	ClassInput
	ClassArithmetic
	ClassClaim
	ClassNotFound
	ClassConflict
)

func (c Code) Class() Class {
	switch c {
	case CodeFeeTooHigh:
		return ClassConfiguration
	case CodeInvalidState, CodeMarketClosed, CodeTooEarly:
		return ClassLifecycle
	case CodeUnauthorized:
		return ClassAuthorization
	case CodeZeroAmount, CodeWrongSide, CodeInvalidBet, CodeInsufficientFunds:
		return ClassInput
	case CodeOverflow:
		return ClassArithmetic
	case CodeAlreadyClaimed, CodeLoserCannotClaim, CodeNothingToClaim:
		return ClassClaim
	case CodeMarketNotFound:
		return ClassNotFound
	case CodeMarketExists:
		return ClassConflict
	}
	return ClassInternal
}

// Error is a terminal failure of a single engine operation.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

var (
	ErrFeeTooHigh        = &Error{CodeFeeTooHigh, "fee too high"}
	ErrInvalidState      = &Error{CodeInvalidState, "invalid state for this operation"}
	ErrMarketClosed      = &Error{CodeMarketClosed, "market not open"}
	ErrTooEarly          = &Error{CodeTooEarly, "too early to close"}
	ErrUnauthorized      = &Error{CodeUnauthorized, "unauthorized"}
	ErrZeroAmount        = &Error{CodeZeroAmount, "zero amount"}
	ErrWrongSide         = &Error{CodeWrongSide, "wrong bet side for entry"}
	ErrInvalidBet        = &Error{CodeInvalidBet, "invalid bet"}
	ErrOverflow          = &Error{CodeOverflow, "overflow"}
	ErrAlreadyClaimed    = &Error{CodeAlreadyClaimed, "already claimed"}
	ErrLoserCannotClaim  = &Error{CodeLoserCannotClaim, "loser cannot claim"}
	ErrNothingToClaim    = &Error{CodeNothingToClaim, "nothing to claim"}
	ErrInsufficientFunds = &Error{CodeInsufficientFunds, "insufficient funds"}
	ErrMarketNotFound    = &Error{CodeMarketNotFound, "market not found"}
	ErrMarketExists      = &Error{CodeMarketExists, "market already exists"}
)

// CodeOf extracts the engine code from err, or "" when err is not an
// engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
