// ABOUTME: Entry point for huddle-relay, the websocket relay for huddle clients
// ABOUTME: Commands: serve, token (mint a client JWT), health

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-huddle/internal/auth"
	"github.com/2389/coven-huddle/internal/channel"
	"github.com/2389/coven-huddle/internal/config"
	"github.com/2389/coven-huddle/internal/logging"
	"github.com/2389/coven-huddle/internal/relay"
)

// Version is set at build time.
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		fmt.Println("Usage: huddle-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the relay server")
		fmt.Println("  token --user ID [--name NAME]  Mint a client token")
		fmt.Println("  health                         Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		return nil, configPath, fmt.Errorf("validating config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	gray.Printf("huddle-relay %s\n\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Relay.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Transport.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Metrics:   %s\n\n", cfg.Relay.MetricsPath)

	backend, closeBackend, err := channel.Open(ctx, cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("closing backend", "error", err)
		}
	}()

	srv, err := relay.NewServer(relay.Options{
		Backend:         backend,
		Verifier:        auth.NewJWTVerifier([]byte(cfg.Relay.JWTSecret)),
		EventsPerSecond: cfg.Relay.EventsPerSecond,
		Burst:           cfg.Relay.Burst,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
		MetricsPath:     cfg.Relay.MetricsPath,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	logger.Info("starting huddle-relay",
		"config", configPath,
		"addr", cfg.Relay.Addr,
		"backend", cfg.Transport.Kind,
	)
	return srv.Run(ctx, cfg.Relay.Addr)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "user id (token subject)")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email address")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}
	if *userID == "ai" {
		return fmt.Errorf("user id %q is reserved", *userID)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Relay.JWTSecret))
	token, err := verifier.Generate(auth.Identity{UserID: *userID, DisplayName: *name, Email: *email}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Relay.Addr)
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
