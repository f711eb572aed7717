package client

import (
	"context"

	pb "github.com/dmitrijs2005/sessionkeeper/internal/proto"
)

// TokenSink receives every credential pair the client obtains, including the
// ones produced by a transparent rotation.
type TokenSink func(ctx context.Context, t pb.Tokens) error

type Client interface {
	Close() error
	Login(ctx context.Context, email, password string) (pb.Tokens, error)
	Refresh(ctx context.Context) (pb.Tokens, error)
	Logout(ctx context.Context) error
	WhoAmI(ctx context.Context) (pb.Identity, error)
	Ping(ctx context.Context) error
	SetTokens(access, refresh string)
	SetTokenSink(sink TokenSink)
}
