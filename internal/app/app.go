// Package app assembles the services shared by cmd/api and cmd/worker from config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/hookrelay/internal/catalog"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/db"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/ledger"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/store/memory"
	"github.com/austindbirch/hookrelay/internal/store/postgres"
	"github.com/austindbirch/hookrelay/internal/store/sqlite"
	"github.com/austindbirch/hookrelay/internal/subscription"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Store is every persistence contract the services need.
type Store interface {
	subscription.Store
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore opens the backend named by STORE_DRIVER and makes sure its schema exists.
func OpenStore(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN(), db.Options{})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s := postgres.New(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// DispatchConfig maps the environment settings onto the dispatcher's.
func DispatchConfig(cfg config.Config) delivery.Config {
	dc := delivery.DefaultConfig()
	d := cfg.Dispatch
	if d.MaxAttempts > 0 {
		dc.MaxAttempts = d.MaxAttempts
	}
	if d.BackoffBase > 0 {
		dc.Backoff.Base = d.BackoffBase
	}
	if d.BackoffCap > 0 {
		dc.Backoff.Cap = d.BackoffCap
	}
	if d.JitterPercent >= 0 && d.JitterPercent <= 1 {
		dc.Backoff.Jitter = d.JitterPercent
	}
	if d.AttemptTimeout > 0 {
		dc.AttemptTimeout = d.AttemptTimeout
	}
	return dc
}

// Core holds the domain services built on one store.
type Core struct {
	Catalog    *catalog.Catalog
	Store      Store
	Registry   *subscription.Registry
	Ledger     *ledger.Ledger
	Dispatcher *delivery.Dispatcher
}

// NewCore loads the catalog, opens the store and builds the registry, ledger and dispatcher.
func NewCore(ctx context.Context, cfg config.Config, logger *logging.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewCoreWithStore(cfg, cat, store, delivery.NewHTTPSender(tracing.HTTPClient(0)), logger), nil
}

// NewCoreWithStore wires the services onto an already opened store.
func NewCoreWithStore(cfg config.Config, cat *catalog.Catalog, store Store, sender delivery.Sender, logger *logging.Logger) *Core {
	reg := subscription.NewRegistry(store, cat)
	led := ledger.New(store)
	return &Core{
		Catalog:    cat,
		Store:      store,
		Registry:   reg,
		Ledger:     led,
		Dispatcher: delivery.NewDispatcher(reg, led, sender, DispatchConfig(cfg), logger),
	}
}

// ResumePending queues every delivery the store still holds as pending, each at
// its stored next try. An in-process queue calls this before it starts running.
func (c *Core) ResumePending(ctx context.Context, q delivery.Queue) (int, error) {
	return delivery.Resume(ctx, c.Ledger, q, time.Now().UTC())
}

func (c *Core) Close() error {
	return c.Store.Close()
}
