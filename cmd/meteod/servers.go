package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// servers holds every listener of the daemon, built before any goroutine
// starts so shutdown never races with their creation.
type servers struct {
	logger log.Logger

	health        *health.Server
	healthService string
	grpcHealth    *grpc.Server
	healthLn      net.Listener

	metrics *http.Server
	api     *http.Server
}

func newServers(logger log.Logger, healthAddr, metricsAddr, apiAddr string, api http.Handler, hs *health.Server) (*servers, error) {
	hln, err := net.Listen("tcp", healthAddr)
	if err != nil {
		return nil, fmt.Errorf("gRPC Health server: failed to listen: %w", err)
	}

	grpcHealthServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, hs)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &servers{
		logger:        logger,
		health:        hs,
		healthService: fmt.Sprintf("grpc.health.v1.%s", appName),
		grpcHealth:    grpcHealthServer,
		healthLn:      hln,
		metrics: &http.Server{
			Addr:         metricsAddr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      mux,
		},
		api: &http.Server{
			Addr:         apiAddr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      api,
		},
	}, nil
}

// serve starts every server in g and reports the webhook service as serving.
func (s *servers) serve(g *errgroup.Group) {
	g.Go(func() error {
		level.Info(s.logger).Log("msg", fmt.Sprintf("gRPC health server serving at %s", s.healthLn.Addr()))
		if err := s.grpcHealth.Serve(s.healthLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		level.Info(s.logger).Log("msg", fmt.Sprintf("HTTP Metrics server serving at %s", s.metrics.Addr))
		if err := s.metrics.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		level.Info(s.logger).Log("msg", fmt.Sprintf("HTTP webhook server serving at %s", s.api.Addr))
		if err := s.api.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	s.health.SetServingStatus(s.healthService, healthpb.HealthCheckResponse_SERVING)
}

// shutdown stops accepting webhooks then drains every server.
func (s *servers) shutdown(ctx context.Context) {
	s.health.SetServingStatus(s.healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	_ = s.metrics.Shutdown(ctx)
	_ = s.api.Shutdown(ctx)
	s.grpcHealth.GracefulStop()
}
