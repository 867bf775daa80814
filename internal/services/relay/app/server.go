// Package server hosts the relay's HTTP, WebSocket and health surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/chatrelay/internal/platform/logging"
	platformgrpc "github.com/louisbranch/chatrelay/internal/platform/grpc"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/relay/auth"
	"github.com/louisbranch/chatrelay/internal/services/relay/fanout"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity/local"
	"github.com/louisbranch/chatrelay/internal/services/relay/protocol"
	"github.com/louisbranch/chatrelay/internal/services/relay/reaction"
	"github.com/louisbranch/chatrelay/internal/services/relay/registry"
	"github.com/louisbranch/chatrelay/internal/services/relay/store/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthService is the gRPC health service name reported for the relay.
const HealthService = "chatrelay.Relay"

// Config defines the inputs for the relay process.
type Config struct {
	HTTPAddr string
	// HealthAddr enables the gRPC health server when set.
	HealthAddr string

	StorePath    string
	AccountsPath string

	SigningKey      string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	IdentityAPIKey  string
	IdentityBaseURL string

	MaxFrameBytes          int
	FramesPerSecond        float64
	FrameBurst             int
	OutboxSize             int
	SubscriptionBuffer     int
	MaxResubscribeAttempts int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Logger *zap.Logger
	// Metrics receives the relay collectors. A private registry is used when
	// nil.
	Metrics *prometheus.Registry
}

// Server hosts the relay process.
type Server struct {
	listener        net.Listener
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	shutdownTimeout time.Duration
	logger          *zap.Logger

	store    *sqlite.Store
	provider *local.Provider
	registry *registry.Registry
	bridge   *fanout.Bridge

	closeOnce sync.Once
	closeErr  error
}

// NewServer opens storage, starts the fan-out bridge and binds the
// listeners. The bridge runs until ctx ends or Close is called.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	logger := logging.OrNop(config.Logger)
	reg := config.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Server{shutdownTimeout: config.ShutdownTimeout, logger: logger.Named("server")}
	if err := s.open(ctx, config, logger, reg); err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	return s, nil
}

func (s *Server) open(ctx context.Context, config Config, logger *zap.Logger, reg *prometheus.Registry) error {
	var err error
	s.store, err = sqlite.Open(ctx, config.StorePath, sqlite.Options{
		SubscriptionBuffer: config.SubscriptionBuffer,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.provider, err = local.Open(ctx, local.Config{
		DBPath:     config.AccountsPath,
		SigningKey: []byte(config.SigningKey),
		Issuer:     config.TokenIssuer,
		Audience:   config.TokenAudience,
		APIKey:     config.IdentityAPIKey,
		TokenTTL:   config.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("open identity provider: %w", err)
	}

	var signIn identity.PasswordSignIner = s.provider
	if baseURL := strings.TrimSpace(config.IdentityBaseURL); baseURL != "" {
		client, err := identity.NewRESTClient(baseURL, config.IdentityAPIKey, &http.Client{Timeout: timeouts.IdentityRequest})
		if err != nil {
			return fmt.Errorf("identity client: %w", err)
		}
		signIn = client
	}
	gate := auth.NewGate(s.provider, signIn, s.store, logger)

	s.registry = registry.New(registry.Options{
		OutboxSize: config.OutboxSize,
		Logger:     logger,
		Metrics:    registry.NewMetrics(reg),
	})
	s.bridge = fanout.NewBridge(s.store, s.registry, fanout.Options{
		MaxResubscribeAttempts: config.MaxResubscribeAttempts,
		Logger:                 logger,
		Metrics:                fanout.NewMetrics(reg),
	})
	if err := s.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	dispatcher := protocol.NewDispatcher(gate, s.store, reaction.NewAggregator(s.store, logger), s.registry, protocol.Options{
		MaxFrameBytes:   config.MaxFrameBytes,
		FramesPerSecond: config.FramesPerSecond,
		Burst:           config.FrameBurst,
		Logger:          logger,
		Metrics:         protocol.NewMetrics(reg),
	})

	if addr := strings.TrimSpace(config.HealthAddr); addr != "" {
		s.health, err = platformgrpc.ListenHealth(addr, HealthService)
		if err != nil {
			return err
		}
		s.health.SetServing("", true)
		s.health.SetServing(HealthService, s.bridge.Healthy())
	}

	s.listener, err = net.Listen("tcp", strings.TrimSpace(config.HTTPAddr))
	if err != nil {
		return fmt.Errorf("listen on %s: %w", config.HTTPAddr, err)
	}
	s.httpServer = &http.Server{
		Handler: newHandler(handlerDeps{
			gate:       gate,
			bridge:     s.bridge,
			sessions:   s.registry,
			dispatcher: dispatcher,
			metrics:    reg,
			identity:   s.provider.Handler(),
			logger:     logger,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return nil
}

// Run creates and serves a relay until the context ends or the chat stream
// is lost.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			server.logger.Warn("close relay server", zap.Error(err))
		}
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// Addr returns the bound HTTP address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HealthAddr returns the bound gRPC health address, if any.
func (s *Server) HealthAddr() string {
	return s.health.Addr()
}

// ListenAndServe serves until ctx ends. A lost chat stream stops the server
// and is returned.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	g, gctx := errgroup.WithContext(ctx)
	s.logger.Info("relay listening", zap.String("addr", s.Addr()), zap.String("health_addr", s.HealthAddr()))

	g.Go(func() error {
		err := s.httpServer.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	})
	if s.health != nil {
		g.Go(func() error {
			return s.health.Serve(gctx)
		})
	}
	g.Go(func() error {
		err := s.bridge.Wait(gctx)
		s.health.SetServing(HealthService, false)
		if err != nil {
			s.logger.Error("chat stream lost", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		// Upgraded connections are not tracked by the HTTP server.
		s.registry.DisconnectAll()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases server resources. It is safe to call more than once.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.bridge != nil {
			s.bridge.Stop()
		}
		if s.registry != nil {
			s.registry.Close()
		}
		s.health.Close()
		var errs error
		if s.httpServer != nil {
			errs = multierr.Append(errs, s.httpServer.Close())
		}
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierr.Append(errs, err)
			}
		}
		if s.store != nil {
			errs = multierr.Append(errs, s.store.Close())
		}
		if s.provider != nil {
			errs = multierr.Append(errs, s.provider.Close())
		}
		s.closeErr = errs
	})
	return s.closeErr
}
