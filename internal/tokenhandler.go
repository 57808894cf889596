package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dgellow/token-handler/internal/agent"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/cookie"
	"github.com/dgellow/token-handler/internal/crypto"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/metrics"
	"github.com/dgellow/token-handler/internal/oauth"
	"github.com/dgellow/token-handler/internal/proxy"
	"github.com/dgellow/token-handler/internal/router"
	"github.com/dgellow/token-handler/internal/server"
)

// ServiceName identifies this service in health responses and traces
const ServiceName = "token-handler"

// shutdownTimeout bounds graceful shutdown
const shutdownTimeout = 30 * time.Second

// TokenHandler is the complete token handler application
type TokenHandler struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
}

// NewTokenHandler builds the application from a validated configuration
func NewTokenHandler(cfg config.Config) (*TokenHandler, error) {
	log.LogInfoWithFields("tokenhandler", "Building token handler", map[string]any{
		"addr":   cfg.Server.Addr,
		"routes": len(cfg.Routes),
	})

	handler, err := buildHTTPHandler(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &TokenHandler{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
	}, nil
}

// Handler returns the root HTTP handler
func (t *TokenHandler) Handler() http.Handler {
	return t.handler
}

// Run serves until SIGINT, SIGTERM or a server error, then shuts down gracefully
func (t *TokenHandler) Run() error {
	log.LogInfoWithFields("tokenhandler", "Starting token handler", map[string]any{
		"addr": t.config.Server.Addr,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := t.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("tokenhandler", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("tokenhandler", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("tokenhandler", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": shutdownTimeout.String(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.httpServer.Stop(ctx); err != nil {
		log.LogErrorWithFields("tokenhandler", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("tokenhandler", "Graceful shutdown completed", nil)
	return nil
}

// newOutboundClient returns an HTTP client that propagates trace context
func newOutboundClient(timeout time.Duration) *http.Client {
	return proxy.NewHTTPClient(otelhttp.NewTransport(http.DefaultTransport), timeout)
}

func buildHTTPHandler(cfg config.Config) (http.Handler, error) {
	cipher, err := crypto.NewCookieCipherFromHex(string(cfg.Cookie.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("invalid cookie encryption key: %w", err)
	}

	agentBase := ""
	if route, ok := cfg.AgentRoute(); ok {
		agentBase = route.Path
	}
	cookies := cookie.NewStore(cipher, cfg.Cookie.Prefix, cfg.Cookie.Domain, cookie.AgentPaths(agentBase))

	outbound := newOutboundClient(cfg.Server.HTTPTimeout)
	headers := proxy.HeaderPolicyFromConfig(cfg.Proxy)

	rt := router.New(cfg.CORS.TrustedWebOrigins)
	for _, route := range cfg.Routes {
		var h http.Handler
		switch route.Kind {
		case config.RouteKindAgent:
			client, err := buildOAuthClient(cfg.OAuthAgent, outbound)
			if err != nil {
				return nil, err
			}
			h = agent.New(agent.Config{
				BasePath:            route.Path,
				EnableTestEndpoints: cfg.OAuthAgent.EnableTestEndpoints,
			}, cookies, client)
		case config.RouteKindProxy:
			h = proxy.NewOAuthProxy(route, cookies, outbound, headers)
		default:
			h = proxy.NewForwarder(route, outbound, cfg.Proxy.CorrelationIDHeader)
		}

		rt.Handle(route, h)
		log.LogInfoWithFields("tokenhandler", "Registered route", map[string]any{
			"path":   route.Path,
			"kind":   route.Kind.String(),
			"target": route.Target,
		})
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.HealthPath, server.NewHealthHandler(ServiceName))
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, metrics.Handler())
	}
	mux.Handle("/", server.ChainMiddleware(rt, server.NewCORSMiddleware(cfg.CORS.TrustedWebOrigins)))

	handler := server.ChainMiddleware(mux,
		server.NewRecoverMiddleware("tokenhandler"),
		server.NewLoggerMiddleware("http"),
		server.NewCorrelationMiddleware(cfg.Proxy.CorrelationIDHeader),
	)
	return otelhttp.NewHandler(handler, ServiceName), nil
}

func buildOAuthClient(cfg config.OAuthAgentConfig, httpClient *http.Client) (*oauth.Client, error) {
	opts := []oauth.ClientOption{oauth.WithHTTPClient(httpClient)}

	if cfg.ValidateIDToken {
		algs, err := oauth.ParseAlgorithms(cfg.IDTokenAlgorithms)
		if err != nil {
			return nil, fmt.Errorf("invalid idTokenAlgorithms: %w", err)
		}
		validator := oauth.NewIDTokenValidator(cfg.JWKSEndpoint, cfg.Issuer, cfg.ClientID, algs,
			oauth.WithValidatorHTTPClient(httpClient))
		opts = append(opts, oauth.WithIDTokenValidator(validator))
	}

	return oauth.NewClient(oauth.ClientConfig{
		Provider:              cfg.Provider,
		AuthorizeEndpoint:     cfg.AuthorizeEndpoint,
		TokenEndpoint:         cfg.TokenEndpoint,
		EndSessionEndpoint:    cfg.EndSessionEndpoint,
		ClientID:              cfg.ClientID,
		ClientSecret:          string(cfg.ClientSecret),
		RedirectURI:           cfg.RedirectURI,
		PostLogoutRedirectURI: cfg.PostLogoutRedirectURI,
		Scope:                 cfg.Scope,
	}, opts...), nil
}
