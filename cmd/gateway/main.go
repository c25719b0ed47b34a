// Command gateway runs the MEW gateway process for a single space: it
// resolves join tokens against a space configuration file, accepts
// participant connections, and routes envelopes between them.
//
// Grounded on cellorg's cmd/orchestrator/main.go: the same config-source
// priority (command-line path, then a default file, then hardcoded
// defaults), the same signal-driven graceful shutdown with a bounded
// wait, generalized from deploying a fleet of agent processes to
// running one long-lived listener.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/config"
	"github.com/rjcorwin/mew-protocol-sub005/internal/gateway"
)

const defaultConfigFile = "config/space.yaml"

func main() {
	var cfg *config.SpaceConfig
	var configSource string

	switch {
	case len(os.Args) >= 2:
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		configSource = "config file: " + os.Args[1]

	default:
		if _, err := os.Stat(defaultConfigFile); err == nil {
			loaded, err := config.Load(defaultConfigFile)
			if err != nil {
				log.Fatalf("%s exists but failed to load: %v", defaultConfigFile, err)
			}
			cfg = loaded
			configSource = defaultConfigFile + " (default)"
		} else {
			log.Fatalf("no config file specified and %s not found", defaultConfigFile)
		}
	}

	log.Printf("starting gateway for space %q using %s", cfg.SpaceID, configSource)
	if cfg.Debug {
		log.Printf("debug logging enabled")
	}

	svc := gateway.NewService(gateway.Options{
		Addr:              cfg.GatewayAddr,
		Resolver:          config.NewStaticResolver(cfg),
		Debug:             cfg.Debug,
		StreamIdleTimeout: time.Duration(cfg.IdleStream) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
		cancel()
	case err := <-done:
		if err != nil {
			log.Printf("gateway stopped with error: %v", err)
		}
		return
	}

	select {
	case <-done:
		log.Println("gateway shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}
