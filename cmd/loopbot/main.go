// Command loopbot runs the leveraged loop engine. It loads configuration,
// validates it, sets up signal handling, and starts the application in the
// configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/loopbot/internal/app"
	"github.com/alanyoungcy/loopbot/internal/config"
	"github.com/alanyoungcy/loopbot/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.String("encrypt-key", "",
		"write LOOPBOT_WALLET_PRIVATE_KEY encrypted with LOOPBOT_WALLET_KEY_PASSWORD to this path and exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *encryptKey != "" {
		if err := writeEncryptedKey(*encryptKey); err != nil {
			logger.Error("failed to encrypt key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted key written", slog.String("path", *encryptKey))
		return
	}

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// check and resume print their result to stdout, so logs go to stderr.
	var logOut io.Writer = os.Stdout
	if cfg.Mode == "check" || cfg.Mode == "resume" {
		logOut = os.Stderr
	}
	logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("loop bot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.String("primary_rpc", redacted.Primary.RPCURL),
		slog.Int64("primary_chain_id", cfg.Primary.ChainID),
		slog.Int64("automation_chain_id", cfg.Automation.ChainID),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("loop bot stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writeEncryptedKey reads the key and password from the environment (or a
// .env file) so neither ends up in shell history.
func writeEncryptedKey(path string) error {
	_ = godotenv.Load()
	key := os.Getenv("LOOPBOT_WALLET_PRIVATE_KEY")
	password := os.Getenv("LOOPBOT_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("LOOPBOT_WALLET_PRIVATE_KEY and LOOPBOT_WALLET_KEY_PASSWORD must be set")
	}
	return crypto.WriteKeyFile(path, key, password)
}
