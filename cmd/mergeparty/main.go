package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mergeparty"
	"github.com/outofforest/mergeparty/kv"
)

func main() {
	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error("Relay failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, listen, backend, jwtSecret string
	var mdns bool

	cmd := &cobra.Command{
		Use:           "mergeparty",
		Short:         "Relay and storage server for automerge documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				config.Listen = listen
			}
			if flags.Changed("storage") {
				config.Storage.Backend = backend
			}
			if flags.Changed("jwt-secret") {
				config.Auth.JWTSecret = jwtSecret
			}
			if flags.Changed("mdns") {
				config.MDNS.Enabled = mdns
			}
			if err := config.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), config)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&listen, "listen", DefaultConfig.Listen, "address to listen on")
	cmd.Flags().StringVar(&backend, "storage", DefaultConfig.Storage.Backend,
		"storage backend (none|memory|bolt|sqlite|redis|postgres)")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "secret used to verify connection tokens")
	cmd.Flags().BoolVar(&mdns, "mdns", false, "advertise the relay using mDNS")

	return cmd
}

func run(ctx context.Context, config Config) (retErr error) {
	log := logger.Get(ctx)

	store, err := openStore(ctx, config.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			retErr = multierr.Append(retErr, store.Close())
		}()
	}

	ls, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return errors.WithStack(err)
	}
	defer ls.Close()

	serverConfig := mergeparty.ServerConfig{
		Store:          store,
		MaxMessageSize: config.MaxMessageSize,
	}
	if config.Metrics {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		serverConfig.Metrics = mergeparty.NewMetrics(registry)
		serverConfig.Gatherer = registry
	}
	if config.Auth.JWTSecret != "" {
		serverConfig.Authorizer = mergeparty.JWTAuthorizer([]byte(config.Auth.JWTSecret))
	}

	if config.MDNS.Enabled {
		shutdown, err := advertise(config.MDNS, ls.Addr().(*net.TCPAddr).Port)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	log.Info("Relay started",
		zap.String("address", ls.Addr().String()),
		zap.String("storage", config.Storage.Backend))

	err = mergeparty.RunServer(ctx, ls, serverConfig)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, config StorageConfig) (kv.Store, error) {
	switch config.Backend {
	case backendMemory:
		return kv.NewMemory(), nil
	case backendBolt:
		return kv.OpenBolt(config.Bolt.Path)
	case backendSQLite:
		return kv.OpenSQLite(ctx, config.SQLite.Path)
	case backendRedis:
		return kv.OpenRedis(ctx, config.Redis)
	case backendPostgres:
		return kv.OpenPostgres(ctx, config.Postgres.URL)
	default:
		return nil, nil
	}
}

func advertise(config MDNSConfig, port int) (func(), error) {
	instance := config.Instance
	if instance == "" {
		instance = "mergeparty-" + uuid.NewString()
	}

	server, err := zeroconf.Register(instance, config.Service, "local.", port, []string{"path=/parties"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "registering mDNS service failed")
	}
	return server.Shutdown, nil
}
