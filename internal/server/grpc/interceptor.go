package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/harmony/internal/auth"
	"github.com/dmitrijs2005/harmony/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// AuthorizationHeader carries "Bearer <token>" on every call.
const AuthorizationHeader = common.AccessTokenHeaderName

// UserIDFromContext returns the caller id set by the interceptor.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(AuthorizationHeader); len(values) > 0 {
			token, _ = strings.CutPrefix(values[0], common.BearerPrefix)
		}
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	userID, err := auth.GetUserIDFromToken(token, s.jwtSecret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	return handler(context.WithValue(ctx, userIDKey, userID), req)
}

// bearer attaches a token to outgoing calls.
type bearer string

// BearerToken returns per-call credentials sending token in the
// authorization header. Plaintext transports are allowed.
func BearerToken(token string) credentials.PerRPCCredentials {
	return bearer(token)
}

func (b bearer) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{AuthorizationHeader: common.BearerPrefix + string(b)}, nil
}

func (b bearer) RequireTransportSecurity() bool { return false }
