package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	pb "github.com/dmitrijs2005/sessionkeeper/internal/proto"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"google.golang.org/grpc"
)

type sessionSvc interface {
	LoginWithPassword(ctx context.Context, email, password string, client models.ClientContext) (*models.TokenPair, error)
	Refresh(ctx context.Context, raw string, client models.ClientContext) (*models.TokenPair, error)
	Logout(ctx context.Context, raw string) error
	Authenticate(ctx context.Context, access string) (*models.Principal, error)
}

type GRPCServer struct {
	pb.UnimplementedSessionServiceServer
	address  string
	sessions sessionSvc
	logger   logging.Logger
}

func NewGRPCServer(a string, l logging.Logger, s sessionSvc) *GRPCServer {
	return &GRPCServer{
		address:  a,
		logger:   l.With("module", "grpc_server"),
		sessions: s,
	}
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on ln until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, ln net.Listener) error {

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	pb.RegisterSessionServiceServer(srv, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", ln.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(ln); err != nil {
		return err
	}

	return nil
}
