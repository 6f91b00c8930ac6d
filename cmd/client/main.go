// Command client is a headless driver for a single user's identity: it
// maintains a relay connection through internal/connmgr, answers or
// initiates peer-to-peer identity exchanges through internal/p2pid, and
// forwards/receives message content encrypted with internal/msgcrypto.
//
// Rendering any of this to an actual UI is the host-platform concern spec
// §1 scopes out; this command is the CLI stand-in the spec's test
// scenarios (§8) are written against.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/petervdpas/goop2-relay/internal/config"
	"github.com/petervdpas/goop2-relay/internal/connmgr"
	"github.com/petervdpas/goop2-relay/internal/events"
	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/identityqr"
	"github.com/petervdpas/goop2-relay/internal/msgcrypto"
	"github.com/petervdpas/goop2-relay/internal/p2pid"
	"github.com/petervdpas/goop2-relay/internal/secretstore"
	"github.com/petervdpas/goop2-relay/internal/selector"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	insecure = flag.Bool("insecure", true, "Skip TLS verification dialing relays/resolvers (self-signed deployments)")
)

var appVersion = "dev"

// identityMaskFile holds the byte mask for the in-process secret store
// stand-in (see loadOrCreateMask). A real deployment plugs the host
// Keychain/Keystore/DPAPI in across the FFI boundary spec §1 names;
// nothing in this repo's scope provides that, so this file is what lets
// identity secrets round-trip across restarts in its absence.
const identityMaskFile = "secretstore.mask"

type bootstrap struct {
	signer     *identity.Signer
	secrets    secretstore.Store
	contacts   *storage.ContactStore
	messages   *storage.MessageStore
	network    *storage.NetworkStore
	cfgWatcher *config.Watcher
}

// cfg returns the latest client.toml contents the watcher has observed.
func (b *bootstrap) cfg() config.Config { return b.cfgWatcher.Current() }

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goop2-client v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Error: client requires a data directory and a command")
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
	command := args[1]
	rest := args[2:]

	b, err := bootstrapClient(dataDir)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer b.contacts.Close()
	defer b.messages.Close()
	defer b.network.Close()
	defer b.cfgWatcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	switch command {
	case "whoami":
		fmt.Printf("identity public key: %s\n", b.signer.NodeKey().Hex())
	case "contacts":
		runContacts(b)
	case "serve":
		runServe(ctx, b, dataDir)
	case "scan":
		if len(rest) < 2 {
			log.Fatal("usage: client <dir> scan <addr> <display-name>")
		}
		runScan(ctx, b, rest[0], rest[1])
	case "send":
		if len(rest) < 2 {
			log.Fatal("usage: client <dir> send <peer-identity-hex> <message>")
		}
		runSend(ctx, b, rest[0], rest[1])
	case "publish":
		if len(rest) < 1 {
			log.Fatal("usage: client <dir> publish <host:port>")
		}
		runPublish(b, rest[0])
	case "import":
		if len(rest) < 1 {
			log.Fatal("usage: client <dir> import <qr-hex-payload>")
		}
		runImport(ctx, b, rest[0])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", command)
		showUsage()
		os.Exit(1)
	}
}

func bootstrapClient(dataDir string) (*bootstrap, error) {
	cfgPath := filepath.Join(dataDir, "client.toml")
	watcher, err := config.NewWatcher(cfgPath, onClientConfigChange, onClientConfigError)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if _, err := watcher.Current().ParsedSeeds(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("parse resolver seeds: %w", err)
	}

	mask, err := loadOrCreateMask(dataDir)
	if err != nil {
		return nil, err
	}
	secrets := secretstore.NewMemory(mask)

	idStore, err := storage.OpenIdentityStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	defer idStore.Close()

	signer, err := loadOrCreateSigner(idStore, secrets)
	if err != nil {
		return nil, err
	}

	contacts, err := storage.OpenContactStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open contact store: %w", err)
	}
	messages, err := storage.OpenMessageStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	network, err := storage.OpenNetworkStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open network store: %w", err)
	}

	return &bootstrap{signer: signer, secrets: secrets, contacts: contacts, messages: messages, network: network, cfgWatcher: watcher}, nil
}

// onClientConfigChange logs every client.toml reload. runServe and runSend
// read the resolver seeds from bootstrap.cfg() once, when the command
// starts, and hand that fixed list to the connection manager; an edited
// seed list takes effect at the next command run.
func onClientConfigChange(cfg config.Config) {
	log.Printf("client: config reloaded, %d seed(s) configured", len(cfg.Seeds))
}

func onClientConfigError(err error) {
	log.Printf("client: config watch error: %v", err)
}

func loadOrCreateSigner(idStore *storage.IdentityStore, secrets secretstore.Store) (*identity.Signer, error) {
	row, err := idStore.Get()
	if err == nil {
		return identity.LoadSigner(secrets, row.PublicKey, row.EncryptedSecret)
	}
	if err != storage.ErrNoIdentity {
		return nil, fmt.Errorf("read identity row: %w", err)
	}

	signer, err := identity.GenerateSigner(secrets)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	row = storage.IdentityRow{
		PublicKey:       signer.Public(),
		EncryptedSecret: signer.EncryptedSecret(),
		CreatedAt:       time.Now(),
		DisplayName:     "",
	}
	if err := idStore.Create(row); err != nil {
		return nil, fmt.Errorf("persist new identity: %w", err)
	}
	log.Printf("client: generated new identity %s", signer.NodeKey().Hex())
	return signer, nil
}

// loadOrCreateMask reads the process-local XOR mask backing the in-repo
// secretstore.Memory stand-in, generating one on first run. This is
// explicitly not a secure secret store (see secretstore package doc) —
// just enough persistence for a headless CLI to round-trip its own
// sealed secrets across restarts in the absence of a host keystore.
func loadOrCreateMask(dataDir string) (byte, error) {
	path := filepath.Join(dataDir, identityMaskFile)
	b, err := os.ReadFile(path)
	if err == nil && len(b) == 1 {
		return b[0], nil
	}
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read mask file: %w", err)
	}
	var mask [1]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return 0, fmt.Errorf("generate mask: %w", err)
	}
	if mask[0] == 0 {
		mask[0] = 0x5a
	}
	if err := os.WriteFile(path, mask[:], 0o600); err != nil {
		return 0, fmt.Errorf("write mask file: %w", err)
	}
	return mask[0], nil
}

func runContacts(b *bootstrap) {
	rows, err := b.contacts.List()
	if err != nil {
		log.Fatalf("list contacts: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("no contacts yet")
		return
	}
	for _, row := range rows {
		fmt.Printf("%-20s %s  (added %s)\n", row.DisplayName, row.IdentityPublicKey, row.AddedAt.Format(time.RFC3339))
	}
}

func runScan(ctx context.Context, b *bootstrap, addr, name string) {
	scanner := p2pid.NewScanner(b.signer, b.secrets, b.contacts)
	if err := scanner.Connect(ctx, addr, name); err != nil {
		log.Fatalf("scan: %v", err)
	}
	fmt.Printf("added %s as a contact\n", name)
}

func runServe(ctx context.Context, b *bootstrap, dataDir string) {
	seeds, err := b.cfg().ParsedSeeds()
	if err != nil {
		log.Fatalf("parse resolver seeds: %v", err)
	}
	resolverAddrs := make([]string, len(seeds))
	for i, s := range seeds {
		resolverAddrs[i] = s.Addr
	}

	sel := selector.New(b.network, int(wire.ProtocolVersion), time.Now().UnixNano())
	sink := &logSink{}

	manager := connmgr.New(b.signer, sel, b.network, sink, resolverAddrs, *insecure, func(d wire.Deliver) {
		handleDeliver(b, d)
	})

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("client: connection manager stopped: %v", err)
		}
	}()

	sharerAddr := b.cfg().Network.BindAddr
	if sharerAddr == "" {
		sharerAddr = "0.0.0.0:4434"
	}
	sharer := p2pid.NewSharer(b.signer, b.secrets, b.contacts, promptDecider)
	go func() {
		if err := sharer.Listen(ctx, sharerAddr); err != nil && ctx.Err() == nil {
			log.Printf("client: identity sharer stopped: %v", err)
		}
	}()

	fmt.Printf("client running: identity=%s data=%s sharer=%s\n", b.signer.NodeKey().Hex(), dataDir, sharerAddr)
	<-ctx.Done()
}

func runSend(ctx context.Context, b *bootstrap, peerHex, message string) {
	peerPub, err := hex.DecodeString(peerHex)
	if err != nil {
		log.Fatalf("bad peer identity hex: %v", err)
	}
	to, err := identity.NewNodeKey(peerPub)
	if err != nil {
		log.Fatalf("bad peer identity key: %v", err)
	}
	contact, err := b.contacts.Get(to.Hex())
	if err != nil {
		log.Fatalf("lookup contact: %v", err)
	}
	var peerEpk [32]byte
	copy(peerEpk[:], contact.AgreementPublicKey)
	fk := identity.LoadFriendshipKeyPair(b.secrets, [32]byte{}, contact.EncryptedAgreementSecret)

	seeds, err := b.cfg().ParsedSeeds()
	if err != nil {
		log.Fatalf("parse resolver seeds: %v", err)
	}
	resolverAddrs := make([]string, len(seeds))
	for i, s := range seeds {
		resolverAddrs[i] = s.Addr
	}
	sel := selector.New(b.network, int(wire.ProtocolVersion), time.Now().UnixNano())
	sink := &logSink{connected: make(chan struct{}, 1)}
	manager := connmgr.New(b.signer, sel, b.network, sink, resolverAddrs, *insecure, func(wire.Deliver) {})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go manager.Run(runCtx)

	select {
	case <-sink.connected:
	case <-time.After(30 * time.Second):
		log.Fatal("client: timed out waiting for a relay connection")
	case <-ctx.Done():
		return
	}

	key, err := fk.DeriveMessageKey(peerEpk)
	if err != nil {
		log.Fatalf("derive message key: %v", err)
	}
	sealed, err := msgcrypto.Seal(key, []byte(message))
	if err != nil {
		log.Fatalf("seal message: %v", err)
	}

	result, err := manager.Forward(to, sealed)
	if err != nil {
		log.Fatalf("forward: %v", err)
	}
	id := storage.NewMessageID(time.Now())
	status := storage.StatusSent
	if _, ok := result.(wire.ForwardResultAccepted); !ok {
		status = storage.StatusFailed
	}
	if err := b.messages.Insert(storage.MessageRow{
		ID: id, PeerIdentityKey: to.Hex(), Content: []byte(message),
		Outgoing: true, Timestamp: time.Now(), Status: status,
	}); err != nil {
		log.Printf("client: record sent message: %v", err)
	}
	fmt.Printf("forward result: %T\n", result)
}

// runPublish prints the hex-encoded identity QR payload (spec §6) a peer
// would scan to find this client's sharer listener. Rendering the payload
// as an actual QR bitmap is the host-platform UI concern spec §1 scopes
// out; this stops at the framed bytes, hex-encoded for a terminal.
func runPublish(b *bootstrap, hostPort string) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		log.Fatalf("bad host:port %q: %v", hostPort, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		log.Fatalf("bad port %q: %v", portStr, err)
	}
	addr := net.ParseIP(host)
	if addr == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			log.Fatalf("resolve host %q: %v", host, err)
		}
		addr = ips[0]
	}

	var ipk [32]byte
	copy(ipk[:], b.signer.Public())
	rec := identityqr.Record{Ipk: ipk, Addr: addr, Port: uint16(port), Name: displayNameOrDefault(b)}
	payload, err := identityqr.Encode(rec)
	if err != nil {
		log.Fatalf("encode qr payload: %v", err)
	}
	fmt.Println(hex.EncodeToString(payload))
}

// runImport decodes a hex-encoded identity QR payload and connects to the
// advertised sharer to begin the five-step identity exchange (spec §4.6),
// the counterpart to runScan when the address comes from a QR scan rather
// than a typed host:port.
func runImport(ctx context.Context, b *bootstrap, payloadHex string) {
	raw, err := hex.DecodeString(payloadHex)
	if err != nil {
		log.Fatalf("bad qr payload hex: %v", err)
	}
	rec, err := identityqr.Decode(raw)
	if err != nil {
		log.Fatalf("decode qr payload: %v", err)
	}
	addr := net.JoinHostPort(rec.Addr.String(), strconv.Itoa(int(rec.Port)))
	runScan(ctx, b, addr, rec.Name)
}

func displayNameOrDefault(b *bootstrap) string {
	if b.signer == nil {
		return ""
	}
	return b.signer.NodeKey().Hex()[:12]
}

func handleDeliver(b *bootstrap, d wire.Deliver) {
	contact, err := b.contacts.Get(d.From.Hex())
	if err != nil {
		log.Printf("client: dropping message from unknown contact %s", d.From.Hex())
		return
	}
	var peerEpk [32]byte
	copy(peerEpk[:], contact.AgreementPublicKey)
	fk := identity.LoadFriendshipKeyPair(b.secrets, [32]byte{}, contact.EncryptedAgreementSecret)
	key, err := fk.DeriveMessageKey(peerEpk)
	if err != nil {
		log.Printf("client: derive message key for %s: %v", contact.DisplayName, err)
		return
	}
	plaintext, err := msgcrypto.Open(key, d.Payload)
	if err != nil {
		log.Printf("client: open message from %s: %v", contact.DisplayName, err)
		return
	}

	id := storage.NewMessageID(time.Now())
	if err := b.messages.Insert(storage.MessageRow{
		ID: id, PeerIdentityKey: d.From.Hex(), Content: plaintext,
		Outgoing: false, Timestamp: time.Now(), Status: storage.StatusSent,
	}); err != nil {
		log.Printf("client: record received message: %v", err)
	}
	fmt.Printf("[%s] %s\n", contact.DisplayName, string(plaintext))
}

// promptDecider asks on stdin whether to accept an incoming identity
// exchange, racing p2pid.UIDecisionTimeout like any real UI would.
func promptDecider(c p2pid.Candidate) bool {
	fmt.Printf("incoming identity request from %q (%s) — accept? [y/N] ", c.Name, c.PeerIpk.Hex())
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return len(line) > 0 && (line[0] == 'y' || line[0] == 'Y')
}

// logSink prints connection-state transitions and, if connected is
// non-nil, signals once on the first Connected transition so a one-shot
// command can proceed.
type logSink struct {
	connected chan struct{}
}

func (s *logSink) Emit(tag string, payload any) {
	log.Printf("event %s: %+v", tag, payload)
	if tag == events.TagConnectionState && s.connected != nil {
		if st, ok := payload.(struct {
			State  events.ConnectionState `json:"state"`
			Detail map[string]string      `json:"detail,omitempty"`
		}); ok && st.State == events.StateConnected {
			select {
			case s.connected <- struct{}{}:
			default:
			}
		}
	}
}

func showUsage() {
	fmt.Println("goop2-client - identity, contacts, and relay connectivity")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  client <data-directory> whoami")
	fmt.Println("  client <data-directory> contacts")
	fmt.Println("  client <data-directory> serve")
	fmt.Println("  client <data-directory> scan <addr> <display-name>")
	fmt.Println("  client <data-directory> send <peer-identity-hex> <message>")
	fmt.Println("  client <data-directory> publish <host:port>")
	fmt.Println("  client <data-directory> import <qr-hex-payload>")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version")
	fmt.Println("  -insecure   Skip TLS verification dialing relays/resolvers (default true)")
}
