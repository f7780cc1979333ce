// Command requester runs batches of HTTP requests written one per line,
// resolving {{name}} placeholders from env blocks and env files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/requester/pkg/client"
	"github.com/Sternrassler/requester/pkg/config"
	"github.com/Sternrassler/requester/pkg/history"
	"github.com/Sternrassler/requester/pkg/logging"
	"github.com/Sternrassler/requester/pkg/metrics"
	"github.com/Sternrassler/requester/pkg/requester"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the root flags and the loaded configuration.
type cli struct {
	configFile  string
	logLevel    string
	metricsAddr string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "requester",
		Short:         "Run batches of HTTP requests from plain text files",
		Long:          "requester executes the requests in a file concurrently, one per line, with environment variables resolved from ###env blocks and env files. Finished requests are recorded in a history that can be replayed.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default: ./requester.toml or ~/.config/requester/requester.toml)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error, disabled")
	flags.StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(
		newRunCmd(c),
		newReplayCmd(c),
		newHistoryCmd(c),
		newConfigCmd(c),
	)

	return rootCmd
}

// load reads the configuration and sets up logging.
func (c *cli) load(cmd *cobra.Command) error {
	v := viper.New()
	if c.configFile != "" {
		v.SetConfigFile(c.configFile)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

// app is the wired requester for one command invocation.
type app struct {
	cfg       config.Config
	client    *client.Client
	store     *history.Store
	redis     *redis.Client
	requester *requester.Requester
	stop      context.CancelFunc
}

// open wires the HTTP client, the history store and the coordinator and
// starts the scheduler.
func (c *cli) open(ctx context.Context) (*app, error) {
	cfg := c.cfg

	clientCfg := client.DefaultConfig(cfg.UserAgent)
	clientCfg.Retry.MaxAttempts = cfg.Retries + 1
	httpClient, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	a := &app{cfg: cfg, client: httpClient}

	var opts []requester.Option
	if cfg.HistoryEnabled() {
		store, err := a.openHistory(ctx)
		if err != nil {
			httpClient.Close()
			return nil, err
		}
		a.store = store
		opts = append(opts, requester.WithHistory(store))
	}

	a.requester = requester.New(requester.Config{
		Concurrency:     cfg.Concurrency,
		MaxPools:        cfg.MaxPools,
		RefreshInterval: cfg.RefreshInterval(),
		EnvTimeout:      cfg.EnvTimeout(),
		RequestTimeout:  cfg.RequestTimeout(),
		RateLimit:       cfg.RateLimit,
	}, httpClient, opts...)

	runCtx, stop := context.WithCancel(ctx)
	a.stop = stop
	a.requester.Start(runCtx)

	if c.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(runCtx, c.metricsAddr); err != nil {
				log.Error().Err(err).Str("addr", c.metricsAddr).Msg("Metrics server failed")
			}
		}()
	}

	return a, nil
}

func (a *app) openHistory(ctx context.Context) (*history.Store, error) {
	if a.cfg.HistoryBackend != config.BackendRedis {
		return history.NewStore(history.NewFileBackend(a.cfg.HistoryFile), a.cfg.HistoryMaxEntries), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr: a.cfg.RedisAddr,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.redis.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}
	log.Debug().Str("addr", a.cfg.RedisAddr).Msg("Connected to Redis")

	return history.NewStore(history.NewRedisBackend(a.redis, a.cfg.RedisKey), a.cfg.HistoryMaxEntries), nil
}

func (a *app) Close() {
	a.stop()
	a.requester.Stop()
	a.client.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing redis client failed")
		}
	}
}

// errHistoryDisabled is returned by commands that need the history.
var errHistoryDisabled = errors.New("history is disabled (set history_file or history_backend = \"redis\")")
