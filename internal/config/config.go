// Package config loads the TOML configuration named in spec §6: a
// `network` section (bind address, cert/key/root-CA paths) and a list of
// resolver seeds in `<NODE_KEY_HEX>::<IP>:<PORT>` form. Shape (a
// struct-per-concern with a Default() constructor and a path-expansion
// helper) is kept from the teacher's internal/config/config.go; only the
// marshal format changes, from JSON to TOML, to match spec §6.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/petervdpas/goop2-relay/internal/identity"
)

// Network holds the bind address and TLS material paths for a relay or
// resolver process.
type Network struct {
	BindAddr string `toml:"bind_addr"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	RootCA   string `toml:"root_ca"`
}

// Seed is one parsed `<NODE_KEY_HEX>::<IP>:<PORT>` resolver-seed line.
type Seed struct {
	NodeKey identity.NodeKey
	Addr    string
}

// Config is the root TOML document.
type Config struct {
	Network Network  `toml:"network"`
	Seeds   []string `toml:"seeds"`
}

// Default returns a Config with the teacher's convention of sane local
// defaults for development.
func Default() Config {
	return Config{
		Network: Network{
			BindAddr: "0.0.0.0:4433",
		},
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// ParsedSeeds parses every seed line, failing on the first malformed
// entry rather than silently skipping it.
func (c Config) ParsedSeeds() ([]Seed, error) {
	out := make([]Seed, 0, len(c.Seeds))
	for _, line := range c.Seeds {
		s, err := parseSeed(line)
		if err != nil {
			return nil, fmt.Errorf("config: seed %q: %w", line, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSeed(line string) (Seed, error) {
	parts := strings.SplitN(line, "::", 2)
	if len(parts) != 2 {
		return Seed{}, fmt.Errorf("expected <NODE_KEY_HEX>::<IP>:<PORT>")
	}
	key, err := identity.ParseNodeKeyHex(parts[0])
	if err != nil {
		return Seed{}, err
	}
	if parts[1] == "" {
		return Seed{}, fmt.Errorf("empty address")
	}
	return Seed{NodeKey: key, Addr: parts[1]}, nil
}

// Watcher watches a TOML config file for changes and reloads it, matching
// the teacher's fsnotify-driven live config pattern. Reload errors are
// reported through onError rather than crashing the watch loop, so a
// transient editor save (write-then-rename) doesn't kill live config.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.RWMutex
	current  Config
	onChange func(Config)
	onError  func(error)
}

// NewWatcher loads path once and begins watching it for further edits.
func NewWatcher(path string, onChange func(Config), onError func(error)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{path: path, watcher: fw, current: cfg, onChange: onChange, onError: onError}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// EnsureDir creates dir (and parents) if it doesn't exist, matching the
// teacher's storage.Open path-creation convention.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}
	return nil
}
