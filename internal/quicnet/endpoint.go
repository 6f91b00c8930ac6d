package quicnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrUnsupportedALPN is the close reason used when a connecting peer
// negotiates an ALPN protocol this endpoint does not dispatch.
var ErrUnsupportedALPN = errors.New("quicnet: unsupported ALPN")

const closeCodeUnsupportedALPN quic.ApplicationErrorCode = 1

// Handler processes one accepted connection for a given ALPN protocol. It
// owns the connection for its lifetime and is responsible for closing it.
type Handler func(ctx context.Context, conn quic.Connection)

// DialConn is the type Dial returns; aliased so callers outside this
// package don't need to import quic-go directly just to hold a reference.
type DialConn = quic.Connection

// WriteCloserStream is the minimal surface a unidirectional send stream
// offers: write a packet, then close the write side.
type WriteCloserStream = quic.SendStream

// Endpoint is a single UDP socket multiplexing every ALPN-tagged role
// (spec §4.1: one quic-go endpoint, dispatch by negotiated protocol).
type Endpoint struct {
	listener *quic.Listener
	handlers map[string]Handler
	cert     tls.Certificate
}

// Config configures stream-count limits per spec §4.1 (16 for
// resolver/relay-facing roles, 64 client-facing).
type Config struct {
	MaxIncomingStreams     int64
	MaxIncomingUniStreams  int64
	MaxIdleTimeout         time.Duration
	KeepAlivePeriod        time.Duration
}

func defaultQUICConfig(cfg Config) *quic.Config {
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = 60 * time.Second
	}
	if cfg.MaxIncomingStreams == 0 {
		cfg.MaxIncomingStreams = 16
	}
	if cfg.MaxIncomingUniStreams == 0 {
		cfg.MaxIncomingUniStreams = 16
	}
	return &quic.Config{
		MaxIdleTimeout:        cfg.MaxIdleTimeout,
		KeepAlivePeriod:       cfg.KeepAlivePeriod,
		MaxIncomingStreams:    cfg.MaxIncomingStreams,
		MaxIncomingUniStreams: cfg.MaxIncomingUniStreams,
	}
}

// Listen binds addr and prepares an Endpoint accepting the ALPN protocols
// registered via Handle. Handlers must be registered before calling Serve.
func Listen(addr string, cert tls.Certificate, cfg Config) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quicnet: resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quicnet: listen %s: %w", addr, err)
	}

	ep := &Endpoint{handlers: make(map[string]Handler), cert: cert}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNResolver, ALPNRelay, ALPNPeer, ALPNClient},
		MinVersion:   tls.VersionTLS13,
	}
	listener, err := quic.Listen(udpConn, tlsConf, defaultQUICConfig(cfg))
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quicnet: quic listen: %w", err)
	}
	ep.listener = listener
	return ep, nil
}

// Handle registers the handler invoked for connections negotiating proto.
func (e *Endpoint) Handle(proto string, h Handler) {
	e.handlers[proto] = h
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (e *Endpoint) Serve(ctx context.Context) error {
	log.Printf("quicnet: listening on %s", e.listener.Addr())
	for {
		conn, err := e.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quicnet: accept: %w", err)
		}
		go e.dispatch(ctx, conn)
	}
}

func (e *Endpoint) dispatch(ctx context.Context, conn quic.Connection) {
	proto := conn.ConnectionState().TLS.NegotiatedProtocol
	handler, ok := e.handlers[proto]
	if !ok {
		log.Printf("quicnet: closing connection from %s: %v (%q)", conn.RemoteAddr(), ErrUnsupportedALPN, proto)
		conn.CloseWithError(closeCodeUnsupportedALPN, ErrUnsupportedALPN.Error())
		return
	}
	log.Printf("quicnet: accepted %s connection from %s", proto, conn.RemoteAddr())
	handler(ctx, conn)
	log.Printf("quicnet: closing %s connection from %s", proto, conn.RemoteAddr())
}

// Close shuts down the listener and its UDP socket.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}

// Addr returns the bound local address.
func (e *Endpoint) Addr() net.Addr { return e.listener.Addr() }

// Dial opens a client-side QUIC connection to addr advertising proto as
// its sole ALPN protocol. insecureSkipVerify is used for self-signed
// deployments; production dials should supply a RootCAs pool instead.
func Dial(ctx context.Context, addr, proto string, insecureSkipVerify bool) (quic.Connection, error) {
	tlsConf := &tls.Config{
		NextProtos:         []string{proto},
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, defaultQUICConfig(Config{}))
	if err != nil {
		return nil, fmt.Errorf("quicnet: dial %s: %w", addr, err)
	}
	return conn, nil
}
