// Package cmds holds the marionette subcommands.
package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/bus"
	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/server"
	"github.com/go-go-golems/marionette/pkg/store"
)

// loadConfig reads the config file if one was given or found, falling back to
// defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("marionette.yaml"); err == nil {
			path = "marionette.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStorage(cfg *config.Config) (server.Storage, func(), error) {
	if cfg.SQLitePath == "" {
		backend := store.NewMemoryBackend()
		return backend, func() {}, nil
	}
	backend, err := store.NewSQLiteBackend(cfg.SQLitePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open sqlite backend")
	}
	return backend, func() { _ = backend.Close() }, nil
}

func NewServeCommand(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dev backend (REST API, websocket channel, canned responder)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			backend, cleanup, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			pub, sub, err := bus.Build(cfg.Redis, log.With().Str("component", "bus").Logger())
			if err != nil {
				return errors.Wrap(err, "build event bus")
			}

			srv, err := server.New(server.Settings{Addr: cfg.ListenAddr}, backend, pub, sub)
			if err != nil {
				return errors.Wrap(err, "build server")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("addr", cfg.ListenAddr).Bool("redis", cfg.Redis.Enabled).Msg("serving")
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
