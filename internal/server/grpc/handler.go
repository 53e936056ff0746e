package grpc

import (
	"context"
	"errors"
	"io"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/protocol"
	"github.com/dmitrijs2005/crdtsign/internal/server/rooms"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Connect serves one client stream: handshake, then relays frames between
// the stream and the client's room membership until either side ends.
func (s *GRPCServer) Connect(stream protocol.ConnectServer) error {
	ctx := stream.Context()
	room, replica := roomFromContext(ctx)
	if room == "" {
		return status.Error(codes.InvalidArgument, "missing room")
	}
	logger := s.logger.With("room", room, "replica", replica)

	hello, err := protocol.RecvFrame(stream)
	if err != nil {
		if errors.Is(err, common.ErrDecode) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return err
	}
	if hello.Kind != protocol.KindSyncStep1 {
		return status.Errorf(codes.InvalidArgument, "expected %s, got %s", protocol.KindSyncStep1, hello.Kind)
	}
	summary, err := protocol.DecodeSummary(hello.Payload)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	conn, err := s.hub.Join(ctx, room, replica, summary)
	if err != nil {
		logger.Error(ctx, "join failed", "error", err)
		return status.Error(codes.Unavailable, err.Error())
	}
	defer conn.Leave()

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receive(ctx, stream, conn) }()

	for {
		select {
		case b := <-conn.Out():
			if err := protocol.SendRaw(stream, b); err != nil {
				return err
			}
		case <-conn.Done():
			if errors.Is(conn.Err(), rooms.ErrSlowConsumer) {
				return status.Error(codes.ResourceExhausted, conn.Err().Error())
			}
			return status.Error(codes.Unavailable, "room closed")
		case err := <-recvErr:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// receive reads client frames until the stream ends. Undecodable frames
// and updates are logged and dropped; the stream stays up.
func (s *GRPCServer) receive(ctx context.Context, stream protocol.ConnectServer, conn *rooms.Conn) error {
	for {
		f, err := protocol.RecvFrame(stream)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, common.ErrDecode):
			s.logger.Warn(ctx, "dropping malformed frame", "conn", conn.ID(), "error", err)
			continue
		case err != nil:
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch f.Kind {
		case protocol.KindUpdate, protocol.KindSyncStep2:
			if err := conn.Submit(f.Payload, f.Seq); err != nil {
				s.logger.Warn(ctx, "dropping update", "conn", conn.ID(), "kind", f.Kind.String(), "error", err)
				if f.Seq > 0 {
					conn.Ack(f.Seq)
				}
			}
		default:
			s.logger.Debug(ctx, "ignoring frame", "conn", conn.ID(), "kind", f.Kind.String())
		}
	}
}
