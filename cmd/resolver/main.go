// Command resolver runs the relay registry of spec §4.10: relays dial in,
// register over resolver/1, and clients query it for the current relay
// list.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/goop2-relay/internal/config"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/resolversrv"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

var appVersion = "dev"

// evictInterval is how often the housekeeping goroutine sweeps for relays
// that have gone quiet past resolversrv.HeartbeatTimeout.
const evictInterval = resolversrv.RelayHeartbeatInterval

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goop2-resolver v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: resolver requires a data directory")
		showUsage()
		os.Exit(1)
	}

	dataDir, err := filepath.Abs(args[0])
	if err != nil {
		log.Fatalf("invalid data directory: %v", err)
	}
	if err := config.EnsureDir(dataDir); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	cfgPath := filepath.Join(dataDir, "resolver.toml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config %s: %v", cfgPath, err)
	}

	certPath := filepath.Join(dataDir, "resolver.crt")
	keyPath := filepath.Join(dataDir, "resolver.key")
	if cfg.Network.CertFile != "" {
		certPath = cfg.Network.CertFile
	}
	if cfg.Network.KeyFile != "" {
		keyPath = cfg.Network.KeyFile
	}
	cert, err := quicnet.LoadOrGenerateCert(certPath, keyPath)
	if err != nil {
		log.Fatalf("load/generate certificate: %v", err)
	}

	registry := resolversrv.NewRegistry()

	ep, err := quicnet.Listen(cfg.Network.BindAddr, cert, quicnet.Config{})
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.Network.BindAddr, err)
	}
	defer ep.Close()
	ep.Handle(quicnet.ALPNResolver, registry.Handler())

	printBanner(dataDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	go evictLoop(ctx, registry)

	if err := ep.Serve(ctx); err != nil {
		log.Fatalf("resolver failed: %v", err)
	}
}

func evictLoop(ctx context.Context, registry *resolversrv.Registry) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			registry.EvictStale(now)
		}
	}
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("goop2-resolver")
	fmt.Println("  data dir:  ", dataDir)
	fmt.Println("  config:    ", cfgPath)
	fmt.Println("  listening: ", cfg.Network.BindAddr)
}

func showUsage() {
	fmt.Println("goop2-resolver - relay registry")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  resolver <data-directory>")
	fmt.Println()
	fmt.Println("The directory holds resolver.toml, and the resolver's own cert/key")
	fmt.Println("are generated there on first run if not already present.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version")
}
