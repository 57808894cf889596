package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dgellow/token-handler/internal"
	"github.com/dgellow/token-handler/internal/config"
	"github.com/dgellow/token-handler/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.SupportedVersion,
		"server": map[string]any{
			"addr":        ":8080",
			"httpTimeout": "10s",
		},
		"cors": map[string]any{
			"trustedWebOrigins": []string{"https://www.example.com"},
		},
		"cookie": map[string]any{
			"prefix":        "example",
			"domain":        "api.example.com",
			"encryptionKey": map[string]string{"$env": "COOKIE_ENCRYPTION_KEY"},
		},
		"oauthAgent": map[string]any{
			"issuer":                "https://login.example.com",
			"authorizeEndpoint":     "https://login.example.com/oauth/v2/authorize",
			"tokenEndpoint":         "https://login.example.com/oauth/v2/token",
			"endSessionEndpoint":    "https://login.example.com/oauth/v2/logout",
			"jwksEndpoint":          "https://login.example.com/oauth/v2/jwks",
			"clientId":              "spa-client",
			"clientSecret":          map[string]string{"$env": "OAUTH_CLIENT_SECRET"},
			"redirectUri":           "https://www.example.com/",
			"postLogoutRedirectUri": "https://www.example.com/",
			"scope":                 "openid profile",
			"validateIdToken":       true,
		},
		"routes": []any{
			map[string]any{
				"path":    "/oauth-agent",
				"plugins": []string{"cors", "oauthAgent"},
			},
			map[string]any{
				"path":    "/api",
				"target":  "http://localhost:3000",
				"plugins": []string{"cors", "oauthProxy"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	switch {
	case len(result.Errors) > 0:
		fmt.Println("Result: FAIL")
		return fmt.Errorf("validation failed: %d error(s)", len(result.Errors))
	case len(result.Warnings) > 0:
		fmt.Println("Result: PASS (with warnings)")
	default:
		fmt.Println("Result: PASS")
	}
	return nil
}

// loadDotEnv reads .env from the working directory when one exists
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.LogWarnWithFields("main", "Failed to load .env file", map[string]any{
			"error": err.Error(),
		})
	}
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	loadDotEnv()

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.LogInfoWithFields("main", "Starting token handler", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	th, err := internal.NewTokenHandler(cfg)
	if err != nil {
		log.LogError("Failed to create token handler: %v", err)
		os.Exit(1)
	}

	if err := th.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
