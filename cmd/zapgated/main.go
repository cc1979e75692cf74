package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapgate/zapgate/internal/config"
	"github.com/zapgate/zapgate/internal/daemon"
	zapgateversion "github.com/zapgate/zapgate/internal/version"
)

var (
	flagPort    int
	flagAPIKey  string
	flagDBPath  string
	flagGateway string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "zapgated",
		Short:         "Zapgate daemon - manages WhatsApp instances and HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = zapgateversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP API port (overrides PORT)")
	rootCmd.Flags().StringVar(&flagAPIKey, "api-key", "", "static API key (overrides API_KEY)")
	rootCmd.Flags().StringVar(&flagDBPath, "db", "", "auth store path (overrides ZAPGATE_DB)")
	rootCmd.Flags().StringVar(&flagGateway, "gateway", "", "protocol gateway URL (overrides WA_GATEWAY_URL)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	cfg := config.FromEnv()
	if flagPort > 0 {
		cfg.Port = flagPort
	}
	if flagAPIKey != "" {
		cfg.APIKey = flagAPIKey
	}
	if flagDBPath != "" {
		cfg.DBPath = config.ExpandPath(flagDBPath)
	}
	if flagGateway != "" {
		cfg.GatewayURL = flagGateway
	}

	if cfg.APIKey == config.DefaultAPIKey {
		log.Printf("WARNING: running with the default API key, set API_KEY before exposing the daemon")
	}

	d, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Printf("Zapgate daemon started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Printf("Daemon error: %v", err)
		shutdownErr := d.Shutdown()
		if shutdownErr != nil {
			log.Printf("Error during shutdown: %v", shutdownErr)
		}
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureDirs()
	if err != nil {
		return fmt.Errorf("initialise directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, fmt.Sprintf("zapgated-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Zapgate Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
