// Package protocol holds the error taxonomy and call-safety primitives shared by
// the oracle, vault and stability pool.
package protocol

import (
	"errors"
)

// Code is the stable wire identifier of a protocol error.
type Code string

const (
	CodeUnauthorized            Code = "Unauthorized"
	CodeInsufficientCollateral  Code = "InsufficientCollateral"
	CodePositionHealthy         Code = "PositionHealthy"
	CodeExceedsMaxLiquidation   Code = "ExceedsMaxLiquidation"
	CodePriceUnavailable        Code = "PriceUnavailable"
	CodeInsufficientLiquidity   Code = "InsufficientLiquidity"
	CodeInsufficientBalance     Code = "InsufficientBalance"
	CodeNothingToClaim          Code = "NothingToClaim"
	CodeNoDebt                  Code = "NoDebt"
	CodeReentrantCall           Code = "ReentrantCall"
	CodeInvalidAmount           Code = "InvalidAmount"
	CodeUnknownCollateral       Code = "UnknownCollateral"
	CodeCollateralDisabled      Code = "CollateralDisabled"
	CodeCollateralExists        Code = "CollateralExists"
	CodeInvalidCollateralParams Code = "InvalidCollateralParams"
	CodeInvalidPrice            Code = "InvalidPrice"
	CodeInvalidRequest          Code = "InvalidRequest"
	CodeOutOfOrder              Code = "OutOfOrder"
	CodeInternal                Code = "Internal"
)

// Error is a sentinel carrying its wire code.
type Error struct {
	code Code
	msg  string
}

func newError(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Code returns the wire identifier.
func (e *Error) Code() Code { return e.code }

var (
	ErrUnauthorized            = newError(CodeUnauthorized, "unauthorized caller")
	ErrInsufficientCollateral  = newError(CodeInsufficientCollateral, "insufficient collateral")
	ErrPositionHealthy         = newError(CodePositionHealthy, "position is healthy")
	ErrExceedsMaxLiquidation   = newError(CodeExceedsMaxLiquidation, "repay amount exceeds max liquidation")
	ErrPriceUnavailable        = newError(CodePriceUnavailable, "price unavailable")
	ErrInsufficientLiquidity   = newError(CodeInsufficientLiquidity, "insufficient pool liquidity")
	ErrInsufficientBalance     = newError(CodeInsufficientBalance, "insufficient balance")
	ErrNothingToClaim          = newError(CodeNothingToClaim, "nothing to claim")
	ErrNoDebt                  = newError(CodeNoDebt, "no debt")
	ErrReentrantCall           = newError(CodeReentrantCall, "reentrant call")
	ErrInvalidAmount           = newError(CodeInvalidAmount, "amount must be positive")
	ErrUnknownCollateral       = newError(CodeUnknownCollateral, "unknown collateral kind")
	ErrCollateralDisabled      = newError(CodeCollateralDisabled, "collateral kind disabled")
	ErrCollateralExists        = newError(CodeCollateralExists, "collateral kind already registered")
	ErrInvalidCollateralParams = newError(CodeInvalidCollateralParams, "invalid collateral parameters")
	ErrInvalidPrice            = newError(CodeInvalidPrice, "invalid price")
	ErrInvalidRequest          = newError(CodeInvalidRequest, "invalid request")
	ErrOutOfOrder              = newError(CodeOutOfOrder, "source sequence out of order")
)

// CodeOf extracts the code of the first protocol error in err's chain.
// Errors outside the taxonomy report CodeInternal.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.code
	}
	return CodeInternal
}

// IsBusinessError reports whether err belongs to the taxonomy. Such errors are
// terminal and must never be retried by infrastructure.
func IsBusinessError(err error) bool {
	return CodeOf(err) != CodeInternal
}
