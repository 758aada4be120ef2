// Package grpc exposes harmonization runs and account management over
// gRPC as the harmony.v1.Harmonizer service.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/harmony/internal/harmonize"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/server/services"
	"google.golang.org/grpc"
)

// Harmonizer runs harmonization cycles.
type Harmonizer interface {
	Run(ctx context.Context, accountID string, collectionID *string) (*harmonize.Outcome, error)
	Status(accountID string) (harmonize.Phase, bool)
}

// Accounts manages service accounts.
type Accounts interface {
	Connect(ctx context.Context, req services.ConnectRequest) (*models.ServiceAccount, error)
	Disconnect(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.ServiceAccount, error)
}

type GRPCServer struct {
	address    string
	harmonizer Harmonizer
	accounts   Accounts
	logger     logging.Logger
	jwtSecret  []byte
}

var _ HarmonizerServer = (*GRPCServer)(nil)

func NewGRPCServer(address string, l logging.Logger, h Harmonizer, a Accounts, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:    address,
		logger:     logging.Module(l, "grpc_server"),
		harmonizer: h,
		accounts:   a,
		jwtSecret:  []byte(secretKey),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *GRPCServer) ListenAndServe(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	RegisterHarmonizerServer(srv, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
