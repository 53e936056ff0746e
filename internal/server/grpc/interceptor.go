package grpc

import (
	"context"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const (
	roomKey    ctxKey = "room"
	replicaKey ctxKey = "replica"
)

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// wrappedStream overrides the stream context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// roomInterceptor requires the room header on every stream and stores the
// room and replica ids in the stream context.
func (s *GRPCServer) roomInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {

	var room, replica string
	if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
		room = firstValue(md, common.RoomHeaderName)
		replica = firstValue(md, common.ReplicaHeaderName)
	}
	if len(room) == 0 {
		return status.Error(codes.InvalidArgument, "missing room")
	}
	if len(replica) == 0 {
		replica = "anonymous"
	}

	ctx := context.WithValue(ss.Context(), roomKey, room)
	ctx = context.WithValue(ctx, replicaKey, replica)

	return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
}

func (s *GRPCServer) loggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logger.Info(ss.Context(), "stream finished",
		"method", info.FullMethod,
		"duration", time.Since(start),
		"code", status.Code(err).String())
	return err
}

func roomFromContext(ctx context.Context) (string, string) {
	room, _ := ctx.Value(roomKey).(string)
	replica, _ := ctx.Value(replicaKey).(string)
	return room, replica
}
