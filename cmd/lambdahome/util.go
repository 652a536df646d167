package main

import (
	"context"

	"github.com/fearlessfara/lambdahome/internal/config"
	"github.com/fearlessfara/lambdahome/internal/store"
)

var pgDSN string

func getStore(ctx context.Context) (*store.Store, error) {
	cfg := config.Default()
	config.LoadFromEnv(cfg)
	if pgDSN != "" {
		cfg.Postgres.DSN = pgDSN
	}
	return store.Open(ctx, cfg.Postgres.DSN)
}

func controlPlaneAddr() string {
	cfg := config.Default()
	config.LoadFromEnv(cfg)
	return cfg.ControlPlane.Addr
}

func grpcAddr() string {
	cfg := config.Default()
	config.LoadFromEnv(cfg)
	return cfg.GRPC.Addr
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
