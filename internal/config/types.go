package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Route plugins as written in the config file
const (
	PluginCORS       = "cors"
	PluginOAuthAgent = "oauthAgent"
	PluginOAuthProxy = "oauthProxy"
)

// RouteKind is resolved once from a route's plugin list when the config is loaded
type RouteKind int

const (
	// RouteKindCorsOnly forwards requests unchanged to the route target
	RouteKindCorsOnly RouteKind = iota
	// RouteKindAgent serves the OAuth agent API
	RouteKindAgent
	// RouteKindProxy forwards requests with the access token as a bearer credential
	RouteKindProxy
)

func (k RouteKind) String() string {
	switch k {
	case RouteKindAgent:
		return "agent"
	case RouteKindProxy:
		return "proxy"
	default:
		return "cors"
	}
}

// Route maps a path prefix to a handler kind
type Route struct {
	Path    string   `json:"path"`
	Target  string   `json:"target,omitempty"`
	Plugins []string `json:"plugins"`
	// AllowedPaths optionally restricts which downstream paths a forwarding
	// route exposes. Patterns support * (one segment) and a trailing /**.
	AllowedPaths []string `json:"allowedPaths,omitempty"`

	Kind RouteKind `json:"-"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr string `json:"addr"`
	// HTTPTimeout bounds every outbound call
	HTTPTimeout time.Duration `json:"-"`
	HealthPath  string        `json:"healthPath"`
	MetricsPath string        `json:"metricsPath"`
}

// CORSConfig lists the web origins the SPA is served from
type CORSConfig struct {
	TrustedWebOrigins []string `json:"trustedWebOrigins"`
}

// CookieConfig configures the sealed session cookies
type CookieConfig struct {
	Prefix string `json:"prefix"`
	Domain string `json:"domain,omitempty"`
	// EncryptionKey is 32 bytes, hex encoded
	EncryptionKey Secret `json:"encryptionKey"`
}

// OAuthAgentConfig configures the OAuth client the agent acts as
type OAuthAgentConfig struct {
	Provider string `json:"provider,omitempty"`
	Issuer   string `json:"issuer,omitempty"`

	AuthorizeEndpoint  string `json:"authorizeEndpoint"`
	TokenEndpoint      string `json:"tokenEndpoint"`
	EndSessionEndpoint string `json:"endSessionEndpoint"`
	JWKSEndpoint       string `json:"jwksEndpoint,omitempty"`

	ClientID              string `json:"clientId"`
	ClientSecret          Secret `json:"clientSecret"`
	RedirectURI           string `json:"redirectUri"`
	PostLogoutRedirectURI string `json:"postLogoutRedirectUri"`
	Scope                 string `json:"scope"`

	ValidateIDToken     bool     `json:"validateIdToken,omitempty"`
	IDTokenAlgorithms   []string `json:"idTokenAlgorithms,omitempty"`
	EnableTestEndpoints bool     `json:"enableTestEndpoints,omitempty"`
}

// ProxyConfig configures header forwarding to downstream APIs
type ProxyConfig struct {
	CorrelationIDHeader string   `json:"correlationIdHeader"`
	ForwardHeaders      []string `json:"forwardHeaders"`
}

// Config is the immutable process configuration
type Config struct {
	Version    string           `json:"version"`
	Server     ServerConfig     `json:"server"`
	CORS       CORSConfig       `json:"cors"`
	Cookie     CookieConfig     `json:"cookie"`
	OAuthAgent OAuthAgentConfig `json:"oauthAgent"`
	Proxy      ProxyConfig      `json:"proxy"`
	Routes     []Route          `json:"routes"`
}

// AgentRoute returns the OAuth agent route, if one is configured
func (c *Config) AgentRoute() (Route, bool) {
	for _, r := range c.Routes {
		if r.Kind == RouteKindAgent {
			return r, true
		}
	}
	return Route{}, false
}

// Defaults
const (
	DefaultAddr                = ":8080"
	DefaultHTTPTimeout         = 10 * time.Second
	DefaultHealthPath          = "/health"
	DefaultMetricsPath         = "/metrics"
	DefaultCorrelationIDHeader = "x-correlation-id"
	DefaultScope               = "openid profile"
)

// DefaultForwardHeaders are the client and trace headers passed to downstream APIs
var DefaultForwardHeaders = []string{
	"x-api-client",
	"x-session-id",
	"traceparent",
	"tracestate",
}

// ParseConfigValue resolves a config value that is either a plain string or
// an {"$env": "VAR"} reference.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
