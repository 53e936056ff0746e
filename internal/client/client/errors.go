package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrConnection is returned for refused, failed or lost room connections.
var ErrConnection = common.ErrConnection

// Finer causes, always wrapped together with ErrConnection.
var (
	ErrUnavailable = errors.New("server unavailable")
	ErrRejected    = errors.New("rejected by server")
)

// mapError converts a transport error into an error wrapping
// ErrConnection.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrConnection, ErrUnavailable, err)
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w: %s", ErrConnection, ErrUnavailable, st.Message())
	case codes.InvalidArgument, codes.ResourceExhausted, codes.PermissionDenied:
		return fmt.Errorf("%w: %w: %s", ErrConnection, ErrRejected, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", ErrConnection, st.Code(), st.Message())
	}
}
