package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookrelay/internal/app"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/nsqstats"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName + "-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("worker failed")
	}
	logger.Plain().Info("worker service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if cfg.Dispatch.QueueDriver != "nsq" {
		return fmt.Errorf("worker needs QUEUE_DRIVER=nsq, got %q; the api dispatches in-process otherwise", cfg.Dispatch.QueueDriver)
	}

	shutdown, err := tracing.InitTracing(ctx, cfg.AppName+"-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown()

	core, err := app.NewCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	if cfg.Dispatch.PublishDLQ {
		dlqProducer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer for DLQ: %w", err)
		}
		defer dlqProducer.Stop()
		core.Dispatcher.WithDeadLetters(delivery.NewNSQDeadLetters(dlqProducer, cfg.NSQ.DLQTopic))
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	httpSrv := &http.Server{
		Addr:              cfg.Dispatch.WorkerHTTPPort,
		Handler:           newMux(reg, core.Store),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("worker HTTP server failed")
		}
	}()

	go nsqstats.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, 15*time.Second, logger).Run(ctx)

	consumer, err := newConsumer(ctx, cfg, core.Dispatcher, logger)
	if err != nil {
		return err
	}
	// Connecting directly to nsqd forces channel creation instead of waiting for the first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		return fmt.Errorf("connect to lookupd: %w", err)
	}
	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.DeliveriesTopic,
		"channel": cfg.NSQ.WorkerChannel,
		"workers": cfg.Dispatch.Workers,
	}).Info("worker service started")

	<-ctx.Done()

	logger.Plain().Info("shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(sctx)
	return nil
}

// newConsumer subscribes the dispatcher to the deliveries topic. Each handler
// goroutine performs one try at a time.
func newConsumer(ctx context.Context, cfg config.Config, proc delivery.Processor, logger *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Dispatch.Workers
	// tries are counted in the ledger, not by nsqd
	conf.MaxAttempts = 0
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddConcurrentHandlers(delivery.NSQHandler(ctx, proc, logger), cfg.Dispatch.Workers)
	return consumer, nil
}

func newMux(reg *prometheus.Registry, db health.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(db))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
