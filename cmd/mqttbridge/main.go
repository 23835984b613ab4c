// mqttbridge relays MQTT traffic from a primary broker to a secondary one,
// and back again in sync mode, until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/illmade-knight/go-mqttbridge/pkg/cache"
	"github.com/illmade-knight/go-mqttbridge/pkg/config"
	"github.com/illmade-knight/go-mqttbridge/pkg/microservice"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttclient"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts := config.Defaults()
	fs := pflag.NewFlagSet("mqttbridge", pflag.ContinueOnError)
	loader := config.RegisterFlags(fs, &opts)
	logLevel := fs.String("logLevel", "info", "Log level (trace, debug, info, warn, error)")
	httpAddr := fs.String("httpAddr", "", "Listen address for /healthz and /status (empty disables)")
	shutdownTimeout := fs.Duration("shutdownTimeout", 10*time.Second, "How long to wait for in-flight relays on shutdown")

	if err := loader.Load(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	logger, err := newLogger(*logLevel, opts.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	cfg, err := opts.BridgeConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration.")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, cleanup, err := newBridge(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create bridge.")
		return exitConfig
	}
	defer cleanup()

	if *httpAddr != "" {
		hs := microservice.NewHealthServer(logger, *httpAddr, b)
		if err := hs.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start health server.")
			return exitError
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(shutdownCtx)
		}()
	}

	code := exitOK
	if _, err := b.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start bridge.")
		code = exitError
	} else {
		logger.Info().Msg("Bridge started, press Ctrl+C to stop.")
		<-ctx.Done()
		logger.Info().Msg("Shutdown signal received.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := b.Disconnect(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Bridge did not shut down cleanly.")
	}
	return code
}

// newBridge builds both broker clients and the bridge. The returned cleanup
// releases resources the bridge does not own.
func newBridge(ctx context.Context, cfg *config.BridgeConfig, logger zerolog.Logger) (*bridge.Bridge, func(), error) {
	cleanup := func() {}

	primary, err := mqttclient.NewPahoClient(cfg.Primary, logger.With().Str("side", "primary").Logger())
	if err != nil {
		return nil, cleanup, fmt.Errorf("primary client: %w", err)
	}
	secondary, err := mqttclient.NewPahoClient(cfg.Secondary, logger.With().Str("side", "secondary").Logger())
	if err != nil {
		return nil, cleanup, fmt.Errorf("secondary client: %w", err)
	}

	var bridgeOpts []bridge.Option
	if cfg.Redis != nil && cfg.Bridge.SyncMode {
		store, err := cache.NewRedisEchoStore(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Redis echo store.")
			}
		}
		bridgeOpts = append(bridgeOpts, bridge.WithEchoStore(store))
	}

	b, err := bridge.New(cfg.Bridge, primary, secondary, logger, bridgeOpts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return b, cleanup, nil
}

// newLogger writes human-readable output to a terminal and JSON otherwise.
func newLogger(level string, verbose bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if verbose && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger(), nil
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}
