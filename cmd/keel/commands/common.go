package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelplane/keel/pkg/config"
	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/partition"
	"github.com/keelplane/keel/pkg/policy"
	"github.com/keelplane/keel/pkg/progs"
	"github.com/keelplane/keel/pkg/stores"
)

// loadConfig reads --config and fills in a worker id when none is configured.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "keel"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return cfg, nil
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.Store())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newRegistry registers the built-in programs.
func newRegistry() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	if err := progs.Register(reg, nil); err != nil {
		return nil, fmt.Errorf("failed to register programs: %w", err)
	}
	return reg, nil
}

// newPartitioner builds the partitioner of a daemon role on the configured
// roster backend. The returned closer releases backend connections.
func newPartitioner(cfg *config.Config, store *stores.SQLiteStore, role string, logger zerolog.Logger) (*partition.Partitioner, func() error, error) {
	switch cfg.Roster.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Roster.RedisAddr})
		roster := partition.NewRedisRoster(client, cfg.Roster.RedisKey+":"+role)
		return partition.NewPartitioner(roster, cfg.Partition(), logger), client.Close, nil
	case "sqlite", "":
		return partition.NewPartitioner(store.Roster(role), cfg.Partition(), logger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown roster backend %q", cfg.Roster.Backend)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// newPolicyEngine builds the admission policies: the built-ins plus the
// configured paths.
func newPolicyEngine(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}
