package server

import (
	"context"
	"errors"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// statusFromError maps a command rejection to a gRPC status. The message
// starts with the taxonomy kind so HTTP clients can branch on it.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ingestion.ErrMalformed):
		return status.Errorf(codes.InvalidArgument, "Malformed: %v", err)
	}

	kind := ledger.ErrorKind(err)
	return status.Errorf(codeForKind(kind), "%s: %v", kind, err)
}

func codeForKind(kind string) codes.Code {
	switch kind {
	case "InvalidAmount", "InvalidConfig":
		return codes.InvalidArgument
	case "MarketNotListed":
		return codes.NotFound
	case "Internal":
		return codes.Internal
	default:
		return codes.FailedPrecondition
	}
}
