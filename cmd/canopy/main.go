package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/treetop-comms/canopy/internal/server"
	"github.com/treetop-comms/canopy/pkg/config"
)

const (
	defaultConfigPath = "/etc/canopy/config.yaml"
	defaultSIPPort    = 5054
	defaultHTTPPort   = 9888
)

// Build-time variables
var (
	version   = "dev"
	buildTime = "unknown"
	commitSHA = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", defaultConfigPath, "Path to configuration file")
		sipPort     = flag.Int("sip-port", defaultSIPPort, "SIP listening port")
		httpPort    = flag.Int("http-port", defaultHTTPPort, "Admin HTTP port")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		log.Printf("canopy version: %s, build time: %s, commit: %s", version, buildTime, commitSHA)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override with command line flags
	if *sipPort != defaultSIPPort {
		cfg.SIP.Port = *sipPort
	}
	if *httpPort != defaultHTTPPort {
		cfg.HTTP.Port = *httpPort
	}
	cfg.Debug = *debug
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	log.Printf("Starting canopy v%s (built: %s, commit: %s)", version, buildTime, commitSHA)
	log.Printf("SIP port: %d, admin HTTP port: %d", cfg.SIP.Port, cfg.HTTP.Port)

	srv, err := server.New(cfg, version)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.StartSIP(ctx); err != nil {
			log.Printf("SIP server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.StartHTTP(ctx); err != nil {
			log.Printf("Admin HTTP server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.StartHealthCheck(ctx); err != nil {
			log.Printf("Health check server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.StartMetrics(ctx); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Received shutdown signal, gracefully shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Shutdown completed")
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout exceeded, forcing exit")
	}
}
