package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"CDPLedger/internal/core"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/query"
)

// errNoCaller is returned when a command arrives without X-Caller-ID.
var errNoCaller = errors.New("missing " + CallerHeader + " header")

// grpcCode maps a domain error onto the gRPC code the gateway renders.
func grpcCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, errNoCaller):
		return codes.Unauthenticated
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, core.ErrStopped):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch protocol.CodeOf(err) {
	case protocol.CodeUnauthorized:
		return codes.PermissionDenied
	case protocol.CodePriceUnavailable:
		return codes.Unavailable
	case protocol.CodeReentrantCall:
		return codes.Aborted
	case protocol.CodeInvalidAmount,
		protocol.CodeInvalidRequest,
		protocol.CodeInvalidPrice,
		protocol.CodeInvalidCollateralParams:
		return codes.InvalidArgument
	case protocol.CodeInternal:
		return codes.Internal
	default:
		return codes.FailedPrecondition
	}
}

// toStatus prefixes the message with the stable domain code so clients can
// branch on it without parsing prose. Internal detail is not leaked.
func toStatus(err error) error {
	c := grpcCode(err)
	switch {
	case c == codes.Internal:
		return status.Error(c, "internal error")
	case !protocol.IsBusinessError(err):
		return status.Error(c, err.Error())
	default:
		return status.Error(c, fmt.Sprintf("%s: %s", protocol.CodeOf(err), err))
	}
}
