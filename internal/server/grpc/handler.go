package grpc

import (
	"context"
	"errors"
	"net"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	pb "github.com/dmitrijs2005/sessionkeeper/internal/proto"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func (s *GRPCServer) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {

	email, password := pb.LoginCredentials(req)
	if email == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}

	tokens, err := s.sessions.LoginWithPassword(ctx, email, password, clientContext(ctx))
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return nil, s.toStatus(ctx, "login", err)
	}

	return tokensStruct(tokens), nil

}

func (s *GRPCServer) Refresh(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {

	tokens, err := s.sessions.Refresh(ctx, req.GetValue(), clientContext(ctx))
	if err != nil {
		return nil, s.toStatus(ctx, "refresh", err)
	}

	return tokensStruct(tokens), nil

}

func (s *GRPCServer) Logout(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {

	if err := s.sessions.Logout(ctx, req.GetValue()); err != nil {
		return nil, s.toStatus(ctx, "logout", err)
	}

	return &emptypb.Empty{}, nil

}

func (s *GRPCServer) WhoAmI(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {

	p, ok := principalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "principal missing in context")
	}

	return pb.Identity{PrincipalID: p.ID, Email: p.Email}.Struct(), nil

}

func (s *GRPCServer) Ping(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error) {

	return wrapperspb.String("OK"), nil

}

// toStatus maps service errors to gRPC statuses. Every credential rejection
// gets the same message.
func (s *GRPCServer) toStatus(ctx context.Context, op string, err error) error {
	switch {
	case common.IsReauthenticate(err):
		return status.Error(codes.Unauthenticated, common.ReauthenticateMessage)
	case common.IsRetriable(err):
		s.logger.Warn(ctx, op+" failed", "error", err.Error())
		return status.Error(codes.Unavailable, "service unavailable")
	}
	s.logger.Error(ctx, op+" failed", "error", err.Error())
	return status.Error(codes.Internal, "internal error")
}

func tokensStruct(t *models.TokenPair) *structpb.Struct {
	out := pb.Tokens{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt,
	}
	if t.Principal != nil {
		out.PrincipalID = t.Principal.ID
		out.Email = t.Principal.Email
	}
	return out.Struct()
}

// clientContext collects the peer address and user agent for audit.
func clientContext(ctx context.Context) models.ClientContext {
	var c models.ClientContext
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		c.IP = p.Addr.String()
		if host, _, err := net.SplitHostPort(c.IP); err == nil {
			c.IP = host
		}
	}
	c.UserAgent = firstMetadata(ctx, common.UserAgentHeaderName)
	return c
}
