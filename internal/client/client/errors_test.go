package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		cause error
	}{
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), ErrUnavailable},
		{"deadline status", status.Error(codes.DeadlineExceeded, "slow"), ErrUnavailable},
		{"context deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ErrUnavailable},
		{"room missing", status.Error(codes.InvalidArgument, "room is required"), ErrRejected},
		{"slow consumer", status.Error(codes.ResourceExhausted, "slow consumer"), ErrRejected},
		{"other", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			assert.ErrorIs(t, got, ErrConnection)
			if tt.cause != nil {
				assert.ErrorIs(t, got, tt.cause)
			} else {
				assert.NotErrorIs(t, got, ErrUnavailable)
				assert.NotErrorIs(t, got, ErrRejected)
			}
		})
	}
	assert.NoError(t, mapError(nil))
}
