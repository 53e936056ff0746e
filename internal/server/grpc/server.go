package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/protocol"
	"github.com/dmitrijs2005/crdtsign/internal/server/rooms"
	"google.golang.org/grpc"
)

type GRPCServer struct {
	address string
	hub     *rooms.Hub
	logger  logging.Logger
}

func NewGRPCServer(a string, l logging.Logger, hub *rooms.Hub) *GRPCServer {
	return &GRPCServer{
		address: a,
		logger:  logging.OrNop(l).With("module", "grpc_server"),
		hub:     hub,
	}
}

// Register creates a grpc.Server with the interceptors and the sync
// service installed.
func (s *GRPCServer) Register(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainStreamInterceptor(s.loggingInterceptor, s.roomInterceptor))
	srv := grpc.NewServer(opts...)
	protocol.RegisterSyncServer(srv, s)
	return srv
}

// Run serves on the configured address until ctx is cancelled.
func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.Register()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}
