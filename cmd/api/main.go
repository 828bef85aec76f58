package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookrelay/internal/api"
	"github.com/austindbirch/hookrelay/internal/app"
	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/intake"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName + "-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("api failed")
	}
	logger.Plain().Info("api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdown, err := tracing.InitTracing(ctx, cfg.AppName+"-api")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown()

	core, err := app.NewCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	validator, err := newValidator(ctx, cfg.Auth, tracing.HTTPClient(10*time.Second))
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		logger.Plain().Warn("authentication disabled, trusting X-Owner-Id")
	}

	queue, closeQueue, err := newQueue(ctx, cfg, core, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	svc := intake.NewService(core.Registry, core.Ledger, queue, logger)
	handler, err := api.NewServer(core.Registry, core.Ledger, svc, logger).
		WithCORS(cfg.CORSOrigins).
		Handler(validator, health.HTTPHandler(core.Store), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	grpcSrv, hs := newGRPCServer(validator)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("api gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC serve: %w", err)
		}
	}()
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP serve: %w", err)
		}
	}()
	go watchHealth(ctx, hs, core.Store, 10*time.Second)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	logger.Plain().Info("shutting down api")
	hs.Shutdown()
	grpcSrv.GracefulStop()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(sctx)
	return err
}

// newValidator picks the owner authentication: a static PEM key, a key fetched
// from a JWKS endpoint, or the trusted header when auth is disabled.
func newValidator(ctx context.Context, cfg config.Auth, client *http.Client) (*auth.JWTValidator, error) {
	switch {
	case cfg.PublicKeyPEM != "":
		v, err := auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, fmt.Errorf("jwt public key: %w", err)
		}
		return v, nil
	case cfg.JWKSURL != "":
		key, err := auth.FetchJWKS(ctx, client, cfg.JWKSURL, "")
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
	case cfg.Disabled:
		return auth.NewDevValidator(), nil
	default:
		return nil, errors.New("no JWT_PUBLIC_KEY or JWT_JWKS_URL configured and AUTH_DISABLED is not set")
	}
}

// newQueue builds the queue intake hands tasks to. With the memory driver the
// dispatcher runs here on the in-process scheduler; with nsq, cmd/worker runs it.
func newQueue(ctx context.Context, cfg config.Config, core *app.Core, logger *logging.Logger) (delivery.Queue, func(), error) {
	var producer *nsq.Producer
	if cfg.Dispatch.QueueDriver == "nsq" || cfg.Dispatch.PublishDLQ {
		p, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("nsq producer: %w", err)
		}
		producer = p
	}
	stopProducer := func() {
		if producer != nil {
			producer.Stop()
		}
	}

	if cfg.Dispatch.QueueDriver == "nsq" {
		return delivery.NewNSQQueue(producer, cfg.NSQ.DeliveriesTopic), stopProducer, nil
	}

	if cfg.Dispatch.PublishDLQ {
		core.Dispatcher.WithDeadLetters(delivery.NewNSQDeadLetters(producer, cfg.NSQ.DLQTopic))
	}
	sched := delivery.NewScheduler(core.Dispatcher, cfg.Dispatch.Workers, logger)
	// the heap is lost on exit; rows still pending in the store are queued again
	n, err := core.ResumePending(ctx, sched)
	if err != nil {
		stopProducer()
		return nil, nil, fmt.Errorf("resume pending deliveries: %w", err)
	}
	if n > 0 {
		logger.Plain().WithField("count", n).Info("pending deliveries resumed")
	}
	go sched.Run(ctx)
	return sched, func() {
		sched.Stop()
		stopProducer()
	}, nil
}

func newGRPCServer(v *auth.JWTValidator) (*grpc.Server, *grpc_health.Server) {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(v.GRPCInterceptor()),
	)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// watchHealth mirrors the store's reachability into the gRPC health service.
func watchHealth(ctx context.Context, hs *grpc_health.Server, db health.Pinger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st := healthpb.HealthCheckResponse_SERVING
		if !health.Check(ctx, db).OK {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
