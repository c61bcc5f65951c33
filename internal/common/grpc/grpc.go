package grpc

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/internal/common/grpc/configuration"
)

// CreateGrpcServer creates a gRPC server (by calling grpc.NewServer) with settings specific to
// this project, and registers interceptors for logging, metrics, error mapping and panic recovery.
func CreateGrpcServer(config configuration.GrpcConfig) *grpc.Server {
	logEntry := log.NewEntry(log.StandardLogger())
	server := grpc.NewServer(
		grpc.KeepaliveParams(config.KeepaliveParams),
		grpc.KeepaliveEnforcementPolicy(config.KeepaliveEnforcementPolicy),
		grpc_middleware.WithUnaryServerChain(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
			grpc_logrus.UnaryServerInterceptor(logEntry, grpc_logrus.WithLevels(codeToLevel)),
			fleeterrors.UnaryServerInterceptor(),
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(panicRecoveryHandler)),
		),
	)
	grpc_prometheus.Register(server)
	return server
}

// Listen binds the configured port. Port 0 picks a free port, which the returned listener reports.
func Listen(port uint16) (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return lis, nil
}

// Serve runs grpcServer on lis in the background, marking wg done when the server stops.
func Serve(lis net.Listener, grpcServer *grpc.Server, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.Infof("Stopping server.")

		log.Infof("Grpc listening on %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("failed to serve: %v", err)
		}
	}()
}

// CreateShutdownHandler returns a function that shuts down the grpcServer when the context is closed.
// The server is given gracePeriod to perform a graceful showdown and is then forcably stopped if necessary
func CreateShutdownHandler(ctx *fleetcontext.Context, gracePeriod time.Duration, grpcServer *grpc.Server) func() error {
	return func() error {
		<-ctx.Done()
		StopGracefully(grpcServer, gracePeriod)
		return nil
	}
}

// StopGracefully lets in-flight calls finish for up to gracePeriod before forcibly stopping grpcServer.
func StopGracefully(grpcServer *grpc.Server, gracePeriod time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		grpcServer.GracefulStop()
	}()
	select {
	case <-done:
	case <-time.After(gracePeriod):
		log.Warnf("Graceful stop timed out after %s, stopping gRPC server", gracePeriod)
		grpcServer.Stop()
	}
}

// Dial connects to a fleetbench gRPC endpoint, blocking until the connection is up or timeout elapses.
func Dial(ctx context.Context, target string, timeout time.Duration) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.WithStack(&fleeterrors.ErrTimeout{Operation: "connect", Target: target, Timeout: timeout})
		}
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

// Routine outcomes are logged at debug so that polling RPCs do not flood the output.
func codeToLevel(code codes.Code) log.Level {
	switch code {
	case codes.OK, codes.NotFound, codes.FailedPrecondition:
		return log.DebugLevel
	case codes.DeadlineExceeded, codes.Unavailable, codes.Canceled:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

// This function is called whenever a gRPC handler panics.
func panicRecoveryHandler(p interface{}) (err error) {
	log.Errorf("Request triggered panic with cause %v \n%s", p, string(debug.Stack()))
	return status.Errorf(codes.Internal, "Internal server error caused by %v", p)
}
