// Package shiki is the public API for embedding the shiki MCP server.
//
// shiki exposes Power BI and Fabric as Model Context Protocol tools: list
// workspaces and datasets, read a semantic model definition (a long-running
// remote operation), and run DAX queries.
//
//	app, err := shiki.New(
//	    shiki.WithVersion(version),
//	    shiki.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	if err := app.Run(ctx); err != nil { ... }
package shiki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shiki/internal/config"
	"github.com/ashita-ai/shiki/internal/lro"
	"github.com/ashita-ai/shiki/internal/mcp"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/remote"
	"github.com/ashita-ai/shiki/internal/server"
	"github.com/ashita-ai/shiki/internal/telemetry"
	"github.com/ashita-ai/shiki/internal/tools"
)

const shutdownTimeout = 10 * time.Second

// App is the shiki server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	dispatcher   *tools.Dispatcher
	mcp          *mcp.Server
	srv          *server.Server // nil for the stdio transport
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	stdin        io.Reader
	stdout       io.Writer
	logger       *slog.Logger
	version      string
}

// New loads configuration and wires the API clients, poller, dispatcher and
// transports. It starts no goroutines besides the rate limiter's sweeper; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	if !o.skipDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("shiki starting", "version", version, "transport", cfg.Transport)
	if cfg.Token == "" {
		logger.Warn("no access token configured; every tool call will fail until POWERBI_TOKEN or POWERBI_TOKEN_FILE is set")
	}

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	dispatcher, err := newDispatcher(cfg, o.httpClient, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		dispatcher:   dispatcher,
		mcp:          mcp.New(dispatcher, logger, version),
		otelShutdown: otelShutdown,
		stdin:        o.stdin,
		stdout:       o.stdout,
		logger:       logger,
		version:      version,
	}
	if a.stdin == nil {
		a.stdin = os.Stdin
	}
	if a.stdout == nil {
		a.stdout = os.Stdout
	}

	if cfg.Transport == config.TransportHTTP {
		if cfg.RateLimitRPS > 0 {
			a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateBurst)
			logger.Info("rate limiting: memory (in-process token bucket)",
				"rps", cfg.RateLimitRPS, "burst", cfg.RateBurst)
		} else {
			a.limiter = ratelimit.NoopLimiter{}
			logger.Info("rate limiting: disabled")
		}
		a.srv = server.New(server.ServerConfig{
			Dispatcher:        dispatcher,
			Logger:            logger,
			Limiter:           a.limiter,
			MCPServer:         a.mcp.MCPServer(),
			AuthToken:         cfg.MCPToken,
			CredentialPresent: cfg.Token != "",
			Port:              cfg.Port,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			Version:           version,
		})
	}

	return a, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.transport != "" {
		cfg.Transport = o.transport
	}
	if o.powerBIURL != "" {
		cfg.PowerBIBaseURL = o.powerBIURL
	}
	if o.fabricURL != "" {
		cfg.FabricBaseURL = o.fabricURL
	}
	if o.token != "" {
		cfg.Token = o.token
	}
}

func newDispatcher(cfg config.Config, httpClient *http.Client, logger *slog.Logger) (*tools.Dispatcher, error) {
	clientCfg := func(baseURL string) remote.Config {
		return remote.Config{
			BaseURL:        baseURL,
			Token:          cfg.Token,
			HTTPClient:     httpClient,
			Timeout:        cfg.RequestTimeout,
			RequestsPerSec: cfg.RequestsPerSec,
			MaxErrorBody:   cfg.MaxErrorBody,
		}
	}
	powerBI, err := remote.NewClient(clientCfg(cfg.PowerBIBaseURL))
	if err != nil {
		return nil, fmt.Errorf("power bi client: %w", err)
	}
	fabric, err := remote.NewClient(clientCfg(cfg.FabricBaseURL))
	if err != nil {
		return nil, fmt.Errorf("fabric client: %w", err)
	}

	poller := lro.New(fabric, lro.Options{
		MaxWait:     cfg.PollMaxWait,
		MaxAttempts: cfg.PollMaxAttempts,
		Logger:      logger,
	})

	return tools.New(tools.Deps{
		PowerBI:           powerBI,
		Fabric:            fabric,
		Poller:            poller,
		DefaultRetryAfter: cfg.PollDefaultInterval,
		ContentSuffix:     cfg.ContentSuffix,
		Logger:            logger,
	})
}

// Dispatcher returns the tool dispatcher for callers that embed shiki
// without either transport.
func (a *App) Dispatcher() *tools.Dispatcher {
	return a.dispatcher
}

// Handler returns the HTTP handler, or nil for the stdio transport.
func (a *App) Handler() http.Handler {
	if a.srv == nil {
		return nil
	}
	return a.srv.Handler()
}

// Run serves the configured transport until ctx is cancelled or the
// transport fails. It does not release resources; call Close afterwards.
func (a *App) Run(ctx context.Context) error {
	if a.srv == nil {
		return a.runStdio(ctx)
	}
	return a.runHTTP(ctx)
}

func (a *App) runStdio(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(a.mcp.MCPServer())
	stdio.SetErrorLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelError))

	a.logger.Info("mcp stdio transport ready")
	err := stdio.Listen(ctx, a.stdin, a.stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

func (a *App) runHTTP(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases the rate limiter and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.limiter != nil {
		errs = append(errs, a.limiter.Close())
	}
	if a.otelShutdown != nil {
		errs = append(errs, a.otelShutdown(ctx))
	}
	a.logger.Info("shiki stopped")
	return errors.Join(errs...)
}
