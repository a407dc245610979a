// ABOUTME: Entry point for pinn-gateway, the workflow progress server
// ABOUTME: Subcommands serve, init, token and health

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/khiwniti/pinn-enterprise-platform/internal/auth"
	"github.com/khiwniti/pinn-enterprise-platform/internal/config"
	"github.com/khiwniti/pinn-enterprise-platform/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
        _                                     _
  _ __ (_)_ __  _ __         __ _  __ _| |_ _____      ____ _ _   _
 | '_ \| | '_ \| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | |_) | | | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 | .__/|_|_| |_|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
 |_|                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: PINN_CONFIG env var > XDG_CONFIG_HOME/pinn/gateway.yaml > ~/.config/pinn/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PINN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pinn", "gateway.yaml")
}

// getDataPath returns the path to the pinn data directory.
// Priority: XDG_DATA_HOME/pinn > ~/.local/share/pinn
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "pinn")
}

// loadConfig reads the config file, falling back to local defaults when the
// file does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(filepath.Join(getDataPath(), "gateway.db")), false, nil
	}
	return nil, false, err
}

func usage() {
	fmt.Println("Usage: pinn-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server")
	fmt.Println("  init                       Write a starter config file with a fresh JWT secret")
	fmt.Println("  token --subject NAME       Mint an API token (--role viewer|operator, --ttl 24h)")
	fmt.Println("  health                     Check gateway health")
	fmt.Println("  version                    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// .env is optional; values there feed ${VAR} expansion in the config
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Printf("Config:    ")
		yellow.Println("defaults (run `pinn-gateway init` to create one)")
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", describeStore(cfg.Database))
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("disabled")
	} else {
		fmt.Println("jwt")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting pinn-gateway",
		"config", configPath,
		"driver", cfg.Database.Driver,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func describeStore(db config.DatabaseConfig) string {
	switch db.Driver {
	case "sqlite":
		return "sqlite " + db.Path
	case "memory":
		return "memory (not persisted)"
	default:
		return db.Driver
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject, recorded in logs")
	roleName := fs.String("role", string(auth.RoleViewer), "viewer or operator")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--subject flag is required")
	}
	role, err := auth.ParseRole(*roleName)
	if err != nil {
		return err
	}

	cfg, fromFile, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !fromFile || cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; run `pinn-gateway init` first")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(*subject, role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
