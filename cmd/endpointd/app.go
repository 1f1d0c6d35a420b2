package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/endpointd"
	"pkt.systems/endpointd/internal/pathutil"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/endpointd/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ENDPOINTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "endpointd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// loadConfigFile reads --config (or the default config path when it
// exists) into viper and returns the path that was read.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	fallback, err := endpointd.DefaultConfigPath()
	if err != nil && !explicit {
		return "", nil
	}
	resolved, err := pathutil.ResolveFile(cfgPath, fallback)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	if resolved == "" {
		return "", nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", resolved, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", resolved)
	}
	viper.SetConfigFile(resolved)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", resolved, err)
	}
	return resolved, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg endpointd.Config
	cmd := &cobra.Command{
		Use:           "endpointd",
		Short:         "endpointd delivers messages to registered endpoints and coordinates their transactions",
		SilenceErrors: true,
		Example: `
  # Serve the admin surface with the endpoints declared in ~/.endpointd/config.yaml
  endpointd

  # Explicit config, Prometheus metrics and OTLP traces
  endpointd -c ./endpointd.yaml --metrics-listen :9452 --otlp-endpoint grpc://otel:4317

  # Pause delivery to an endpoint on a running server
  endpointd endpoints pause app#orders#OrdersMDB
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to endpointd",
				"version", version.Current(),
				"pid", os.Getpid(),
			)
			if configFile != "" {
				cliLogger.Info("cli.config.loaded", "path", configFile, "endpoints", len(cfg.Endpoints))
			}

			server, err := endpointd.NewServer(cfg, endpointd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := server.Config().ShutdownTimeout
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			if configFile != "" {
				viper.OnConfigChange(endpointReloader(server, cliLogger))
				viper.WatchConfig()
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("cli.shutdown.failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.endpointd/"+endpointd.DefaultConfigFileName+")")
	clientCfg := addClientConnectionFlags(cmd)

	flags := cmd.Flags()
	flags.String("listen", endpointd.DefaultListen, "admin HTTP listen address")
	flags.String("metrics-listen", endpointd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Bool("runtime-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc://, grpcs://, http://, https://)")
	flags.Int("workers", endpointd.DefaultWorkers, "delivery worker pool size")
	flags.Int("queue-depth", endpointd.DefaultQueueDepth, "accepted deliveries allowed to wait for a worker")
	flags.Int("max-results", endpointd.DefaultMaxResults, "delivery result records kept for lookup")
	flags.Duration("decision-retention", endpointd.DefaultDecisionRetention, "how long completed imported transactions stay queryable")
	flags.Duration("shutdown-timeout", endpointd.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ENDPOINTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "metrics-listen", "runtime-metrics", "otlp-endpoint",
		"workers", "queue-depth", "max-results", "decision-retention", "shutdown-timeout",
		"log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newEndpointsCommand(clientCfg))
	cmd.AddCommand(newDeliverCommand(clientCfg))
	cmd.AddCommand(newResultCommand(clientCfg))
	cmd.AddCommand(newTxnCommand(clientCfg))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *endpointd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.Workers = viper.GetInt("workers")
	cfg.QueueDepth = viper.GetInt("queue-depth")
	cfg.MaxResults = viper.GetInt("max-results")
	cfg.DecisionRetention = viper.GetDuration("decision-retention")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	eps, err := configuredEndpoints()
	if err != nil {
		return err
	}
	cfg.Endpoints = eps
	return nil
}

func configuredEndpoints() ([]endpointd.EndpointConfig, error) {
	var eps []endpointd.EndpointConfig
	if !viper.IsSet("endpoints") {
		return nil, nil
	}
	if err := viper.UnmarshalKey("endpoints", &eps); err != nil {
		return nil, fmt.Errorf("parse endpoints: %w", err)
	}
	return eps, nil
}

// endpointReloader registers endpoints added to the config file while the
// server runs. Edits to existing endpoints and removals take effect on
// restart only.
func endpointReloader(server *endpointd.Server, logger pslog.Logger) func(fsnotify.Event) {
	return func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		eps, err := configuredEndpoints()
		if err != nil {
			logger.Warn("cli.config.reload_failed", "path", ev.Name, "error", err)
			return
		}
		added, err := server.SyncEndpoints(eps)
		if err != nil {
			logger.Warn("cli.config.reload_partial", "path", ev.Name, "error", err)
		}
		if len(added) > 0 {
			logger.Info("cli.config.endpoints_added", "path", ev.Name, "endpoints", strings.Join(added, ","))
		}
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}
