// Command recordsync serves dashboard views of a remote CRM collection as a
// JSON backend-for-frontend and pages through collections from the shell.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/recordsync/pkg/client"
	"github.com/Sternrassler/recordsync/pkg/config"
	"github.com/Sternrassler/recordsync/pkg/logging"
	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	BaseURL    string
	Verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "recordsync",
		Short:         "Incremental record synchronization for CRM dashboards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./recordsync.yaml, or $RECORDSYNC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "override api.base_url")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))

	return cmd
}

// loadConfig loads the configuration and applies global flag overrides.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.BaseURL != "" {
		cfg.API.BaseURL = opts.BaseURL
	}
	if opts.Verbose {
		cfg.Log.Level = string(logging.LevelDebug)
	}
	return cfg, nil
}

// openStore opens the configured key-value backend. The returned close
// function releases it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		return store.NewRedis(redisClient, ""), redisClient.Close, nil

	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("Opened SQLite store")
		return db, db.Close, nil

	default:
		return store.NewMemory(), func() error { return nil }, nil
	}
}

// newClient creates the API client with its rate limit state in st.
func newClient(cfg config.Config, st store.Store) (*client.Client, error) {
	cc := cfg.ClientConfig()
	cc.Store = st
	c, err := client.New(cc)
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	return c, nil
}
