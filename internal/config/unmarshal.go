package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// UnmarshalJSON resolves the plugin list into a RouteKind
func (r *Route) UnmarshalJSON(data []byte) error {
	type rawRoute struct {
		Path    string          `json:"path"`
		Target  json.RawMessage `json:"target,omitempty"`
		Plugins []string        `json:"plugins"`
		Allowed []string        `json:"allowedPaths,omitempty"`
	}

	var raw rawRoute
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Path = raw.Path
	r.Plugins = raw.Plugins
	r.AllowedPaths = raw.Allowed
	if raw.Target != nil {
		target, err := ParseConfigValue(raw.Target)
		if err != nil {
			return fmt.Errorf("parsing target of route %s: %w", raw.Path, err)
		}
		r.Target = target
	}

	kind, err := ResolveRouteKind(raw.Plugins)
	if err != nil {
		return fmt.Errorf("route %s: %w", raw.Path, err)
	}
	r.Kind = kind
	return nil
}

// ResolveRouteKind maps a plugin list to exactly one route kind
func ResolveRouteKind(plugins []string) (RouteKind, error) {
	for _, p := range plugins {
		switch p {
		case PluginCORS, PluginOAuthAgent, PluginOAuthProxy:
		default:
			return 0, fmt.Errorf("unknown plugin %q", p)
		}
	}

	agent := slices.Contains(plugins, PluginOAuthAgent)
	proxy := slices.Contains(plugins, PluginOAuthProxy)
	switch {
	case agent && proxy:
		return 0, fmt.Errorf("a route cannot use both %s and %s", PluginOAuthAgent, PluginOAuthProxy)
	case agent:
		return RouteKindAgent, nil
	case proxy:
		return RouteKindProxy, nil
	}
	return RouteKindCorsOnly, nil
}

// UnmarshalJSON parses the timeout duration
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		Addr        string `json:"addr"`
		HTTPTimeout string `json:"httpTimeout"`
		HealthPath  string `json:"healthPath"`
		MetricsPath string `json:"metricsPath"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Addr = raw.Addr
	s.HealthPath = raw.HealthPath
	s.MetricsPath = raw.MetricsPath
	if raw.HTTPTimeout != "" {
		d, err := time.ParseDuration(raw.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("parsing httpTimeout: %w", err)
		}
		s.HTTPTimeout = d
	}
	return nil
}

// UnmarshalJSON resolves environment references in the cookie settings
func (c *CookieConfig) UnmarshalJSON(data []byte) error {
	type rawCookie struct {
		Prefix        json.RawMessage `json:"prefix"`
		Domain        json.RawMessage `json:"domain,omitempty"`
		EncryptionKey json.RawMessage `json:"encryptionKey"`
	}

	var raw rawCookie
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"prefix", raw.Prefix, &c.Prefix},
		{"domain", raw.Domain, &c.Domain},
	}
	for _, f := range fields {
		if err := parseInto(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}

	if raw.EncryptionKey != nil {
		key, err := ParseConfigValue(raw.EncryptionKey)
		if err != nil {
			return fmt.Errorf("parsing encryptionKey: %w", err)
		}
		c.EncryptionKey = Secret(key)
	}
	return nil
}

// UnmarshalJSON resolves environment references in the OAuth client settings
func (o *OAuthAgentConfig) UnmarshalJSON(data []byte) error {
	type rawOAuthAgent struct {
		Provider              string          `json:"provider,omitempty"`
		Issuer                json.RawMessage `json:"issuer,omitempty"`
		AuthorizeEndpoint     json.RawMessage `json:"authorizeEndpoint"`
		TokenEndpoint         json.RawMessage `json:"tokenEndpoint"`
		EndSessionEndpoint    json.RawMessage `json:"endSessionEndpoint"`
		JWKSEndpoint          json.RawMessage `json:"jwksEndpoint,omitempty"`
		ClientID              json.RawMessage `json:"clientId"`
		ClientSecret          json.RawMessage `json:"clientSecret"`
		RedirectURI           json.RawMessage `json:"redirectUri"`
		PostLogoutRedirectURI json.RawMessage `json:"postLogoutRedirectUri"`
		Scope                 string          `json:"scope"`
		ValidateIDToken       bool            `json:"validateIdToken,omitempty"`
		IDTokenAlgorithms     []string        `json:"idTokenAlgorithms,omitempty"`
		EnableTestEndpoints   bool            `json:"enableTestEndpoints,omitempty"`
	}

	var raw rawOAuthAgent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	o.Provider = raw.Provider
	o.Scope = raw.Scope
	o.ValidateIDToken = raw.ValidateIDToken
	o.IDTokenAlgorithms = raw.IDTokenAlgorithms
	o.EnableTestEndpoints = raw.EnableTestEndpoints

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"issuer", raw.Issuer, &o.Issuer},
		{"authorizeEndpoint", raw.AuthorizeEndpoint, &o.AuthorizeEndpoint},
		{"tokenEndpoint", raw.TokenEndpoint, &o.TokenEndpoint},
		{"endSessionEndpoint", raw.EndSessionEndpoint, &o.EndSessionEndpoint},
		{"jwksEndpoint", raw.JWKSEndpoint, &o.JWKSEndpoint},
		{"clientId", raw.ClientID, &o.ClientID},
		{"redirectUri", raw.RedirectURI, &o.RedirectURI},
		{"postLogoutRedirectUri", raw.PostLogoutRedirectURI, &o.PostLogoutRedirectURI},
	}
	for _, f := range fields {
		if err := parseInto(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}

	if raw.ClientSecret != nil {
		secret, err := ParseConfigValue(raw.ClientSecret)
		if err != nil {
			return fmt.Errorf("parsing clientSecret: %w", err)
		}
		o.ClientSecret = Secret(secret)
	}
	return nil
}

func parseInto(name string, raw json.RawMessage, dst *string) error {
	if raw == nil {
		return nil
	}
	value, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = value
	return nil
}

// applyDefaults fills in optional settings
func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.HTTPTimeout == 0 {
		c.Server.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = DefaultHealthPath
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = DefaultMetricsPath
	}
	if c.Proxy.CorrelationIDHeader == "" {
		c.Proxy.CorrelationIDHeader = DefaultCorrelationIDHeader
	}
	if c.Proxy.ForwardHeaders == nil {
		c.Proxy.ForwardHeaders = slices.Clone(DefaultForwardHeaders)
	}
	if c.OAuthAgent.Scope == "" {
		c.OAuthAgent.Scope = DefaultScope
	}
}
