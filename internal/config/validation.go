package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/oauth"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var cookiePrefixRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Version == "" {
		return fmt.Errorf("version is required")
	}

	if len(config.CORS.TrustedWebOrigins) == 0 {
		return fmt.Errorf("cors.trustedWebOrigins must list at least one origin")
	}
	for _, origin := range config.CORS.TrustedWebOrigins {
		if err := validateOrigin(origin); err != nil {
			return fmt.Errorf("cors.trustedWebOrigins: %w", err)
		}
	}

	if !cookiePrefixRegex.MatchString(config.Cookie.Prefix) {
		return fmt.Errorf("cookie.prefix is required and may only contain letters, digits, '-' and '_'")
	}
	if err := validateEncryptionKey(string(config.Cookie.EncryptionKey)); err != nil {
		return fmt.Errorf("cookie.encryptionKey: %w", err)
	}

	if config.Server.HTTPTimeout < 0 {
		return fmt.Errorf("server.httpTimeout cannot be negative")
	}

	if len(config.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	agentRoutes := 0
	seen := map[string]bool{}
	for _, route := range config.Routes {
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("route path %q must start with '/'", route.Path)
		}
		key := strings.ToLower(strings.TrimRight(route.Path, "/"))
		if seen[key] {
			return fmt.Errorf("route path %s is configured more than once", route.Path)
		}
		seen[key] = true

		switch route.Kind {
		case RouteKindAgent:
			agentRoutes++
		case RouteKindProxy, RouteKindCorsOnly:
			if err := validateAbsoluteURL(route.Target); err != nil {
				return fmt.Errorf("route %s target: %w", route.Path, err)
			}
			for _, pattern := range route.AllowedPaths {
				if !strings.HasPrefix(pattern, "/") {
					return fmt.Errorf("route %s allowedPaths: pattern %q must start with '/'", route.Path, pattern)
				}
			}
		}
	}
	if agentRoutes > 1 {
		return fmt.Errorf("only one oauthAgent route may be configured")
	}

	if agentRoutes == 1 {
		if err := validateOAuthAgent(&config.OAuthAgent); err != nil {
			return fmt.Errorf("oauthAgent: %w", err)
		}
		if config.OAuthAgent.EnableTestEndpoints {
			log.LogWarnWithFields("config", "Test token expiry endpoints are enabled", nil)
		}
	}

	if config.Proxy.CorrelationIDHeader == "" {
		return fmt.Errorf("proxy.correlationIdHeader cannot be empty")
	}

	return nil
}

func validateOAuthAgent(o *OAuthAgentConfig) error {
	endpoints := []struct {
		name  string
		value string
	}{
		{"authorizeEndpoint", o.AuthorizeEndpoint},
		{"tokenEndpoint", o.TokenEndpoint},
		{"endSessionEndpoint", o.EndSessionEndpoint},
		{"redirectUri", o.RedirectURI},
		{"postLogoutRedirectUri", o.PostLogoutRedirectURI},
	}
	for _, e := range endpoints {
		if err := validateAbsoluteURL(e.value); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}

	if o.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}

	if o.ValidateIDToken {
		if err := validateAbsoluteURL(o.JWKSEndpoint); err != nil {
			return fmt.Errorf("jwksEndpoint is required when validateIdToken is set: %w", err)
		}
		if _, err := oauth.ParseAlgorithms(o.IDTokenAlgorithms); err != nil {
			return fmt.Errorf("idTokenAlgorithms: %w", err)
		}
	}
	return nil
}

func validateEncryptionKey(key string) error {
	if key == "" {
		return fmt.Errorf("is required. Generate with: openssl rand -hex 32")
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("must be hex encoded")
	}
	if len(raw) != 32 {
		return fmt.Errorf("must be 32 bytes (64 hex characters), got %d bytes", len(raw))
	}
	return nil
}

func validateAbsoluteURL(value string) error {
	if value == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", value, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", value)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", value)
	}
	return nil
}

func validateOrigin(origin string) error {
	if err := validateAbsoluteURL(origin); err != nil {
		return err
	}
	u, _ := url.Parse(origin)
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("origin %q must not contain a path or query", origin)
	}
	return nil
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateData(data), nil
}

// ValidateData validates config file contents without resolving env vars
func ValidateData(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if !strings.HasPrefix(version, SupportedVersion) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateCORSStructure(rawConfig, result)
	validateCookieStructure(rawConfig, result)
	hasAgent := validateRoutesStructure(rawConfig, result)
	if hasAgent {
		validateOAuthAgentStructure(rawConfig, result)
	}

	return result
}

func validateCORSStructure(rawConfig map[string]any, result *ValidationResult) {
	cors, ok := rawConfig["cors"].(map[string]any)
	if !ok {
		result.addError("cors", "cors section is required")
		return
	}
	origins, ok := cors["trustedWebOrigins"].([]any)
	if !ok || len(origins) == 0 {
		result.addError("cors.trustedWebOrigins", "at least one trusted web origin is required")
		return
	}
	for i, o := range origins {
		s, ok := o.(string)
		if !ok {
			result.addError(fmt.Sprintf("cors.trustedWebOrigins[%d]", i), "origin must be a string")
			continue
		}
		if err := validateOrigin(s); err != nil {
			result.addError(fmt.Sprintf("cors.trustedWebOrigins[%d]", i), "%v", err)
		}
	}
}

func validateCookieStructure(rawConfig map[string]any, result *ValidationResult) {
	cookie, ok := rawConfig["cookie"].(map[string]any)
	if !ok {
		result.addError("cookie", "cookie section is required")
		return
	}
	if prefix, _ := cookie["prefix"].(string); !cookiePrefixRegex.MatchString(prefix) {
		result.addError("cookie.prefix", "prefix is required and may only contain letters, digits, '-' and '_'")
	}
	key, exists := cookie["encryptionKey"]
	if !exists {
		result.addError("cookie.encryptionKey", "encryptionKey is required")
		return
	}
	if verr := validateEnvVarReference(key, "encryptionKey", "cookie.encryptionKey"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}
}

func validateRoutesStructure(rawConfig map[string]any, result *ValidationResult) bool {
	routes, ok := rawConfig["routes"].([]any)
	if !ok || len(routes) == 0 {
		result.addError("routes", "at least one route is required")
		return false
	}

	hasAgent := false
	for i, r := range routes {
		path := fmt.Sprintf("routes[%d]", i)
		route, ok := r.(map[string]any)
		if !ok {
			result.addError(path, "route must be an object")
			continue
		}

		if p, _ := route["path"].(string); !strings.HasPrefix(p, "/") {
			result.addError(path+".path", "path is required and must start with '/'")
		}

		var plugins []string
		rawPlugins, _ := route["plugins"].([]any)
		for _, p := range rawPlugins {
			if s, ok := p.(string); ok {
				plugins = append(plugins, s)
			}
		}
		kind, err := ResolveRouteKind(plugins)
		if err != nil {
			result.addError(path+".plugins", "%v", err)
			continue
		}

		switch kind {
		case RouteKindAgent:
			if hasAgent {
				result.addError(path+".plugins", "only one oauthAgent route may be configured")
			}
			hasAgent = true
			if _, hasTarget := route["target"]; hasTarget {
				result.addWarning(path+".target", "target is ignored on oauthAgent routes")
			}
			if _, hasAllowed := route["allowedPaths"]; hasAllowed {
				result.addWarning(path+".allowedPaths", "allowedPaths is ignored on oauthAgent routes")
			}
		default:
			if _, hasTarget := route["target"]; !hasTarget {
				result.addError(path+".target", "target is required on %s routes", kind)
			}
		}
	}
	return hasAgent
}

func validateOAuthAgentStructure(rawConfig map[string]any, result *ValidationResult) {
	agent, ok := rawConfig["oauthAgent"].(map[string]any)
	if !ok {
		result.addError("oauthAgent", "oauthAgent section is required when a route uses the oauthAgent plugin")
		return
	}

	required := []string{"authorizeEndpoint", "tokenEndpoint", "endSessionEndpoint", "clientId", "redirectUri", "postLogoutRedirectUri"}
	for _, field := range required {
		if _, exists := agent[field]; !exists {
			result.addError("oauthAgent."+field, "%s is required", field)
		}
	}

	if secret, exists := agent["clientSecret"]; exists {
		if verr := validateEnvVarReference(secret, "clientSecret", "oauthAgent.clientSecret"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	} else {
		result.addError("oauthAgent.clientSecret", "clientSecret is required")
	}

	if validate, _ := agent["validateIdToken"].(bool); validate {
		if _, exists := agent["jwksEndpoint"]; !exists {
			result.addError("oauthAgent.jwksEndpoint", "jwksEndpoint is required when validateIdToken is true")
		}
	}

	if enabled, _ := agent["enableTestEndpoints"].(bool); enabled {
		result.addWarning("oauthAgent.enableTestEndpoints", "test token expiry endpoints are enabled - never enable this in production")
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
