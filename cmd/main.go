package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xAtelerix/sdk/gosdk/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/0xAtelerix/powledger/application"
	"github.com/0xAtelerix/powledger/application/api"
)

const envPrefix = "powledger"

type RuntimeArgs struct {
	RPCPort     string
	MetricsAddr string
	Difficulty  uint
	Reward      uint64
	SealTimeout time.Duration
	LogLevel    zerolog.Level
}

func main() {
	// Context with cancel for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	RunCLI(ctx)
}

func RunCLI(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("powledger stopped")
	}
}

func NewRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "powledger",
		Short: "Run a proof-of-work ledger node",
		Long: `powledger keeps an in-memory hash-linked chain, accepts transactions over
JSON-RPC and seals them into proof-of-work blocks on request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)

				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config %s: %w", path, err)
				}
			}

			args, err := LoadRuntimeArgs(v)
			if err != nil {
				return err
			}

			return Run(cmd.Context(), args)
		},
	}

	fs := cmd.Flags()
	fs.Uint("difficulty", application.DefaultDifficulty, "leading hex zeros required in every block hash")
	fs.Uint64("reward", application.DefaultReward, "coins paid to the miner of each block")
	fs.Duration("seal-timeout", 0, "abort a single nonce search after this long (0 = never)")
	fs.String("rpc-port", ":8080", "Port for the JSON-RPC server")
	fs.String("metrics-addr", ":2112", "Address for the prometheus endpoint (empty disables it)")
	fs.String("log-level", zerolog.InfoLevel.String(), "Logging level")
	fs.String("config", "", "Optional config file (yaml, toml or json)")

	if err := v.BindPFlags(fs); err != nil {
		log.Error().Err(err).Msg("Failed to bind flags")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func LoadRuntimeArgs(v *viper.Viper) (RuntimeArgs, error) {
	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return RuntimeArgs{}, fmt.Errorf("invalid log level: %w", err)
	}

	return RuntimeArgs{
		RPCPort:     v.GetString("rpc-port"),
		MetricsAddr: v.GetString("metrics-addr"),
		Difficulty:  v.GetUint("difficulty"),
		Reward:      v.GetUint64("reward"),
		SealTimeout: v.GetDuration("seal-timeout"),
		LogLevel:    level,
	}, nil
}

func Run(ctx context.Context, args RuntimeArgs) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(args.LogLevel)

	// Cancel on SIGINT/SIGTERM too
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := application.Config{
		Difficulty:  args.Difficulty,
		Reward:      args.Reward,
		SealTimeout: args.SealTimeout,
	}

	log.Info().
		Uint("difficulty", cfg.Difficulty).
		Uint64("reward", cfg.Reward).
		Dur("seal_timeout", cfg.SealTimeout).
		Msg("Starting ledger...")

	ledger, err := application.New(
		ctx,
		cfg,
		application.WithLogger(log.Logger),
		application.WithMetrics(application.NewMetrics(registry)),
	)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	rpcServer := rpc.NewStandardRPCServer(nil)
	rpcServer.AddMiddleware(api.NewLoggingMiddleware(log.Logger))
	api.NewLedgerRPC(rpcServer, ledger).AddRPCMethods()

	g, ctx := errgroup.WithContext(ctx)

	if args.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, args.MetricsAddr, registry)
		})
	}

	g.Go(func() error {
		log.Info().Msg("Starting RPC server on " + args.RPCPort)

		// StartHTTPServer does not return on cancellation, so a requested
		// shutdown is reported as a clean exit here.
		errCh := make(chan error, 1)

		go func() {
			errCh <- rpcServer.StartHTTPServer(ctx, args.RPCPort)
		}()

		select {
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("rpc server: %w", err)
			}
		case <-ctx.Done():
			log.Info().Msg("Stopping RPC server")
		}

		return nil
	})

	return g.Wait()
}
