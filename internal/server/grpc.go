package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the gRPC health service and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	logger     zerolog.Logger
}

// NewGRPCServer builds both listeners. Health reports NOT_SERVING until
// SetServing is called after state restore.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	gateway, err := NewGateway(deps)
	if err != nil {
		return nil, err
	}

	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	if deps.MetricsHandler != nil {
		httpMux.Handle("/metrics", deps.MetricsHandler)
	}
	httpMux.Handle("/", gateway)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           httpMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		deps:     deps,
		logger:   deps.Logger,
	}, nil
}

// SetServing flips gRPC health and HTTP readiness once the core is live.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.SetReady(serving)
	}
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the JSON API, health endpoints and metrics until
// ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
