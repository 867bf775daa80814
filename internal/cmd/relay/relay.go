// Package relay parses relay command flags and composes the server.
package relay

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/chatrelay/internal/platform/cmd"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	server "github.com/louisbranch/chatrelay/internal/services/relay/app"
	"go.uber.org/zap"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr   string `env:"CHATRELAY_HTTP_ADDR"   envDefault:":8080"`
	HealthAddr string `env:"CHATRELAY_HEALTH_ADDR" envDefault:":8081"`

	StorePath    string `env:"CHATRELAY_STORE_PATH"    envDefault:"data/relay.db"`
	AccountsPath string `env:"CHATRELAY_ACCOUNTS_PATH" envDefault:"data/accounts.db"`

	SigningKey      string        `env:"CHATRELAY_SIGNING_KEY"`
	TokenIssuer     string        `env:"CHATRELAY_TOKEN_ISSUER"      envDefault:"chatrelay"`
	TokenAudience   string        `env:"CHATRELAY_TOKEN_AUDIENCE"    envDefault:"chatrelay"`
	TokenTTL        time.Duration `env:"CHATRELAY_TOKEN_TTL"         envDefault:"1h"`
	IdentityAPIKey  string        `env:"CHATRELAY_IDENTITY_API_KEY"`
	IdentityBaseURL string        `env:"CHATRELAY_IDENTITY_BASE_URL"`

	MaxFrameBytes          int     `env:"CHATRELAY_MAX_FRAME_BYTES"          envDefault:"16384"`
	FramesPerSecond        float64 `env:"CHATRELAY_FRAMES_PER_SECOND"        envDefault:"20"`
	FrameBurst             int     `env:"CHATRELAY_FRAME_BURST"              envDefault:"40"`
	OutboxSize             int     `env:"CHATRELAY_OUTBOX_SIZE"              envDefault:"64"`
	SubscriptionBuffer     int     `env:"CHATRELAY_SUBSCRIPTION_BUFFER"      envDefault:"256"`
	MaxResubscribeAttempts int     `env:"CHATRELAY_MAX_RESUBSCRIBE_ATTEMPTS" envDefault:"5"`

	LogLevel  string `env:"CHATRELAY_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CHATRELAY_LOG_FORMAT" envDefault:"json"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "chat store SQLite path")
	fs.StringVar(&cfg.AccountsPath, "accounts-path", cfg.AccountsPath, "accounts SQLite path")
	fs.StringVar(&cfg.IdentityBaseURL, "identity-base-url", cfg.IdentityBaseURL, "external identity REST base URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay and serves until ctx ends or the chat stream is lost.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: entrypoint.ServiceRelay,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	options := entrypoint.RunOptions{Logger: logger}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceRelay, options, func(ctx context.Context) error {
		if err := server.Run(ctx, cfg.serverConfig(logger)); err != nil {
			logger.Error("relay stopped", zap.Error(err))
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}

func (cfg Config) serverConfig(logger *zap.Logger) server.Config {
	return server.Config{
		HTTPAddr:               cfg.HTTPAddr,
		HealthAddr:             cfg.HealthAddr,
		StorePath:              cfg.StorePath,
		AccountsPath:           cfg.AccountsPath,
		SigningKey:             cfg.SigningKey,
		TokenIssuer:            cfg.TokenIssuer,
		TokenAudience:          cfg.TokenAudience,
		TokenTTL:               cfg.TokenTTL,
		IdentityAPIKey:         cfg.IdentityAPIKey,
		IdentityBaseURL:        cfg.IdentityBaseURL,
		MaxFrameBytes:          cfg.MaxFrameBytes,
		FramesPerSecond:        cfg.FramesPerSecond,
		FrameBurst:             cfg.FrameBurst,
		OutboxSize:             cfg.OutboxSize,
		SubscriptionBuffer:     cfg.SubscriptionBuffer,
		MaxResubscribeAttempts: cfg.MaxResubscribeAttempts,
		Logger:                 logger,
	}
}
