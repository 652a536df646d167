// Package store implements dispatcher.FunctionStore and
// autoscaler.FunctionLister over Postgres: function metadata and its
// resolved environment, the external collaborator spec.md §3 calls out
// as owning secret resolution. Grounded on oriys-nova/internal/store's
// JSONB-document-per-row schema (functions table with a `data jsonb`
// column, upsert on conflict) and its pgxpool wiring, narrowed to the
// single `functions` table this subsystem needs. jackc/pgx/v5.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/lambdaerr"
)

// EnvResolver substitutes secret references (e.g. `secretref://name`)
// in a function's raw environment map with their resolved values
// before env_hash is computed (spec.md §9's "secrets and environment"
// design note). The default resolver is the identity function; a real
// deployment supplies one backed by a secrets manager.
type EnvResolver func(ctx context.Context, raw map[string]string) (map[string]string, error)

func identityResolver(_ context.Context, raw map[string]string) (map[string]string, error) {
	return raw, nil
}

// Store is a Postgres-backed function metadata store.
type Store struct {
	pool     *pgxpool.Pool
	resolver EnvResolver
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithEnvResolver overrides the default identity env resolver.
func WithEnvResolver(r EnvResolver) Option {
	return func(s *Store) { s.resolver = r }
}

// Open connects to Postgres at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	s := &Store{pool: pool, resolver: identityResolver}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS functions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// SaveFunction upserts fn by id.
func (s *Store) SaveFunction(ctx context.Context, fn *domain.FunctionMeta) error {
	if fn.ID == "" || fn.Name == "" {
		return lambdaerr.New(lambdaerr.KindInvalidRequest, "function id and name are required")
	}
	data, err := json.Marshal(fn)
	if err != nil {
		return fmt.Errorf("store: marshal function: %w", err)
	}
	now := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO functions (id, name, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, fn.ID, fn.Name, data, now)
	if err != nil {
		return fmt.Errorf("store: save function: %w", err)
	}
	return nil
}

// DeleteFunction removes a function by name.
func (s *Store) DeleteFunction(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM functions WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("store: delete function: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lambdaerr.New(lambdaerr.KindFunctionNotFound, name)
	}
	return nil
}

// GetFunction implements dispatcher.FunctionStore. A non-empty qualifier
// is copied into the returned Version as is; it is not checked against
// published versions and aliases are not resolved.
func (s *Store) GetFunction(ctx context.Context, name, qualifier string) (*domain.FunctionMeta, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM functions WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lambdaerr.New(lambdaerr.KindFunctionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get function: %w", err)
	}
	var fn domain.FunctionMeta
	if err := json.Unmarshal(data, &fn); err != nil {
		return nil, fmt.Errorf("store: unmarshal function: %w", err)
	}
	if qualifier != "" {
		fn.Version = qualifier
	}
	return &fn, nil
}

// ResolveEnv implements dispatcher.FunctionStore: substitutes secret
// references in fn.Env, so env_hash (spec.md §9) is computed over
// resolved values.
func (s *Store) ResolveEnv(ctx context.Context, fn *domain.FunctionMeta) (map[string]string, error) {
	return s.resolver(ctx, fn.Env)
}

// ListFunctions implements autoscaler.FunctionLister.
func (s *Store) ListFunctions(ctx context.Context) ([]*domain.FunctionMeta, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM functions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list functions: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionMeta
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan function: %w", err)
		}
		var fn domain.FunctionMeta
		if err := json.Unmarshal(data, &fn); err != nil {
			return nil, fmt.Errorf("store: unmarshal function: %w", err)
		}
		out = append(out, &fn)
	}
	return out, rows.Err()
}
