package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	pb "github.com/dmitrijs2005/sessionkeeper/internal/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// noRotate lists the methods whose failures never trigger a rotation.
var noRotate = map[string]bool{
	pb.SessionService_Login_FullMethodName:   true,
	pb.SessionService_Refresh_FullMethodName: true,
	pb.SessionService_Logout_FullMethodName:  true,
}

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      pb.SessionServiceClient

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	sink         TokenSink

	// rotateMu serializes rotations so one refresh credential is presented once.
	rotateMu sync.Mutex
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {

	access, refresh := s.tokens()

	err := invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)
	if err == nil || noRotate[method] || refresh == "" {
		return err
	}
	if status.Code(err) != codes.Unauthenticated {
		return err
	}

	// access credential rejected, rotate and retry once
	if err := s.rotate(ctx, access); err != nil {
		return err
	}

	access, _ = s.tokens()
	return invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)
}

// rotate exchanges the refresh credential unless another caller already did
// so since staleAccess was read.
func (s *GRPCClient) rotate(ctx context.Context, staleAccess string) error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	access, refresh := s.tokens()
	if access != staleAccess {
		return nil
	}
	if refresh == "" {
		return ErrNotLoggedIn
	}

	resp, err := s.client.Refresh(ctx, wrapperspb.String(refresh))
	if err != nil {
		return err
	}
	t, err := pb.TokensFromStruct(resp)
	if err != nil {
		return fmt.Errorf("rpc error: %w", err)
	}
	return s.store(ctx, t)
}

func NewSessionClient(endpointURL string) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL}
	err := c.InitGRPCClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient() error {

	conn, err := grpc.NewClient(s.endpointURL, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithUnaryInterceptor(s.accessTokenInterceptor))
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = pb.NewSessionServiceClient(conn)
	return nil
}

func (s *GRPCClient) tokens() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.refreshToken
}

// SetTokens restores credentials, typically from the local cache.
func (s *GRPCClient) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = access
	s.refreshToken = refresh
}

func (s *GRPCClient) SetTokenSink(sink TokenSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *GRPCClient) store(ctx context.Context, t pb.Tokens) error {
	s.mu.Lock()
	s.accessToken = t.AccessToken
	s.refreshToken = t.RefreshToken
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		return sink(ctx, t)
	}
	return nil
}

func (s *GRPCClient) Login(ctx context.Context, email, password string) (pb.Tokens, error) {

	resp, err := s.client.Login(ctx, pb.NewLoginRequest(email, password))
	if err != nil {
		return pb.Tokens{}, s.mapError(err)
	}

	t, err := pb.TokensFromStruct(resp)
	if err != nil {
		return pb.Tokens{}, fmt.Errorf("rpc error: %w", err)
	}

	return t, s.store(ctx, t)

}

// Refresh rotates the refresh credential explicitly.
func (s *GRPCClient) Refresh(ctx context.Context) (pb.Tokens, error) {

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	_, refresh := s.tokens()
	if refresh == "" {
		return pb.Tokens{}, ErrNotLoggedIn
	}

	resp, err := s.client.Refresh(ctx, wrapperspb.String(refresh))
	if err != nil {
		return pb.Tokens{}, s.mapError(err)
	}

	t, err := pb.TokensFromStruct(resp)
	if err != nil {
		return pb.Tokens{}, fmt.Errorf("rpc error: %w", err)
	}

	return t, s.store(ctx, t)

}

// Logout terminates the chain on the server and forgets the credentials.
func (s *GRPCClient) Logout(ctx context.Context) error {

	_, refresh := s.tokens()
	if refresh == "" {
		return nil
	}

	if _, err := s.client.Logout(ctx, wrapperspb.String(refresh)); err != nil {
		return s.mapError(err)
	}

	s.SetTokens("", "")
	return nil

}

func (s *GRPCClient) WhoAmI(ctx context.Context) (pb.Identity, error) {

	resp, err := s.client.WhoAmI(ctx, &emptypb.Empty{})
	if err != nil {
		return pb.Identity{}, s.mapError(err)
	}

	return pb.IdentityFromStruct(resp), nil

}

func (s *GRPCClient) Ping(ctx context.Context) error {

	resp, err := s.client.Ping(ctx, &emptypb.Empty{})
	if err != nil {
		return s.mapError(err)
	}

	if resp.GetValue() != "OK" {
		return ErrUnavailable
	}

	return nil

}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
