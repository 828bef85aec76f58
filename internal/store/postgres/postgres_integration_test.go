//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/austindbirch/hookrelay/internal/db"
	"github.com/austindbirch/hookrelay/internal/store/storetest"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("hookrelay_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := db.Connect(ctx, dsn, db.Options{MaxConns: 20})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := New(pool)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// a second run must be a no-op
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema again: %v", err)
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	s := setupStore(t)
	storetest.Run(t, func(t *testing.T) storetest.Store {
		if _, err := s.pool.Exec(context.Background(),
			`TRUNCATE hookrelay.subscriptions, hookrelay.deliveries`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestPostgresDuplicateSubscription(t *testing.T) {
	s := setupStore(t)
	sub := webhook.Subscription{
		ID: "dup", OwnerID: "alice", SourceURL: "https://api.stripe.com",
		CallbackURL: "https://example.com/hook", Active: true, Secret: "k", CreatedAt: time.Now().UTC(),
	}
	ctx := context.Background()
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.CreateSubscription(ctx, sub); !webhook.IsValidation(err) {
		t.Errorf("duplicate insert error = %v, want validation error", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
