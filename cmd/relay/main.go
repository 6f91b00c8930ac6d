// Command relay serves clients on relay/1 and client/1 (spec §4.4-§4.5)
// and registers itself with a configured resolver over resolverlink
// (spec §4.10).
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/goop2-relay/internal/config"
	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/relaysrv"
	"github.com/petervdpas/goop2-relay/internal/resolverlink"
	"github.com/petervdpas/goop2-relay/internal/storage"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	insecure = flag.Bool("insecure", true, "Skip TLS verification when dialing resolver seeds (self-signed deployments)")
)

var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goop2-relay v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: relay requires a data directory")
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

	cfgPath := filepath.Join(dataDir, "relay.toml")
	watcher, err := config.NewWatcher(cfgPath, onConfigChange, onConfigError)
	if err != nil {
		log.Fatalf("load config %s: %v", cfgPath, err)
	}
	defer watcher.Close()
	cfg := watcher.Current()
	if _, err := cfg.ParsedSeeds(); err != nil {
		log.Fatalf("parse resolver seeds: %v", err)
	}

	certPath := filepath.Join(dataDir, "relay.crt")
	keyPath := filepath.Join(dataDir, "relay.key")
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
	relayID, err := relayIdentity(cert)
	if err != nil {
		log.Fatalf("derive relay identity: %v", err)
	}

	queue, err := storage.OpenNetworkStore(dataDir)
	if err != nil {
		log.Fatalf("open network store: %v", err)
	}
	defer queue.Close()

	relay := relaysrv.New(queue)

	ep, err := quicnet.Listen(cfg.Network.BindAddr, cert, quicnet.Config{MaxIncomingStreams: 64, MaxIncomingUniStreams: 64})
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.Network.BindAddr, err)
	}
	defer ep.Close()
	ep.Handle(quicnet.ALPNRelay, relay.Handler())
	ep.Handle(quicnet.ALPNClient, relay.Handler())

	printBanner(dataDir, cfgPath, cfg, relayID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	go runResolverLink(ctx, relayID, watcher)

	if err := ep.Serve(ctx); err != nil {
		log.Fatalf("relay failed: %v", err)
	}
}

// onConfigChange logs every relay.toml reload the watcher picks up; seeds
// are re-read from watcher.Current() by runResolverLink on its next retry,
// so an edited seed list takes effect without a restart.
func onConfigChange(cfg config.Config) {
	log.Printf("relay: config reloaded, %d seed(s) configured", len(cfg.Seeds))
}

func onConfigError(err error) {
	log.Printf("relay: config watch error: %v", err)
}

// runResolverLink keeps the relay registered with a resolver for as long
// as ctx lives, re-reading seeds from watcher on every attempt so a live
// config edit takes effect on the next redial, and backing off between
// attempts when Link.Run fails or there are currently no seeds to dial.
func runResolverLink(ctx context.Context, relayID identity.NodeId, watcher *config.Watcher) {
	link := resolverlink.New(relayID, *insecure)
	loggedNoSeeds := false
	for {
		if ctx.Err() != nil {
			return
		}
		seeds, err := watcher.Current().ParsedSeeds()
		if err != nil {
			log.Printf("relay: parse resolver seeds: %v", err)
		} else if len(seeds) == 0 {
			if !loggedNoSeeds {
				log.Println("relay: no resolver seeds configured, running unregistered")
				loggedNoSeeds = true
			}
		} else {
			loggedNoSeeds = false
			if err := link.Run(ctx, seeds); err != nil {
				log.Printf("relay: resolver link failed: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// relayIdentity derives this relay's NodeId from its own leaf certificate,
// so the same relay keeps the same id across restarts as long as its
// cert/key pair on disk is unchanged.
func relayIdentity(cert tls.Certificate) (identity.NodeId, error) {
	if len(cert.Certificate) == 0 {
		return identity.NodeId{}, fmt.Errorf("relay: certificate has no leaf")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return identity.NodeId{}, fmt.Errorf("relay: parse leaf certificate: %w", err)
	}
	return identity.NewNodeId(leaf.Raw), nil
}

func printBanner(dataDir, cfgPath string, cfg config.Config, relayID identity.NodeId) {
	fmt.Println("goop2-relay")
	fmt.Println("  data dir:  ", dataDir)
	fmt.Println("  config:    ", cfgPath)
	fmt.Println("  relay id:  ", relayID.String())
	fmt.Println("  listening: ", cfg.Network.BindAddr)
}

func showUsage() {
	fmt.Println("goop2-relay - client relay / forward plane")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relay <data-directory>")
	fmt.Println()
	fmt.Println("The directory holds relay.toml (bind_addr, seeds) and the relay's")
	fmt.Println("own cert/key, generated there on first run if not already present.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version")
	fmt.Println("  -insecure   Skip TLS verification dialing resolver seeds (default true)")
}
