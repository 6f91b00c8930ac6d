// Package resolverlink implements the relay side of spec §4.10: dial a
// configured resolver seed, send RelayHello on a long-lived unidirectional
// stream, and heartbeat every RESOLVER_RELAY_HEARTBEAT_INTERVAL with the
// relay's packed CPU/RAM load.
package resolverlink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/goop2-relay/internal/config"
	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/sysload"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// HeartbeatInterval is spec §4.10's RESOLVER_RELAY_HEARTBEAT_INTERVAL.
const HeartbeatInterval = 20 * time.Second

// ErrNoSeeds is returned when every configured seed failed to dial.
var ErrNoSeeds = errors.New("resolverlink: no resolver seed reachable")

// Link maintains the relay's outbound connection to one resolver.
type Link struct {
	relayID    identity.NodeId
	insecure   bool
	startedAt  time.Time
	loadWindow time.Duration
}

// New builds a Link for relayID. insecureSkipVerify matches the
// self-signed deployment posture used elsewhere in quicnet.
func New(relayID identity.NodeId, insecureSkipVerify bool) *Link {
	return &Link{relayID: relayID, insecure: insecureSkipVerify, startedAt: time.Now(), loadWindow: time.Second}
}

// Run dials seeds in order until one succeeds, sends RelayHello, then
// heartbeats until ctx is cancelled. On return it closes the connection
// with the reason "ShuttingDown" right away; it does not wait for the
// connection to go idle first.
func (l *Link) Run(ctx context.Context, seeds []config.Seed) error {
	conn, err := l.dialFirstReachable(ctx, seeds)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "ShuttingDown")

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("resolverlink: open hello stream: %w", err)
	}
	hello := wire.RelayHello{RelayId: l.relayID, Timestamp: wire.TimestampFromUnixNano(time.Now().UnixNano())}
	if err := quicnet.WritePacket(stream, hello); err != nil {
		return fmt.Errorf("resolverlink: send RelayHello: %w", err)
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.sendHeartbeat(ctx, stream); err != nil {
				return fmt.Errorf("resolverlink: heartbeat: %w", err)
			}
		}
	}
}

func (l *Link) dialFirstReachable(ctx context.Context, seeds []config.Seed) (quicnet.DialConn, error) {
	var lastErr error
	for _, seed := range seeds {
		conn, err := quicnet.Dial(ctx, seed.Addr, quicnet.ALPNResolver, l.insecure)
		if err == nil {
			return conn, nil
		}
		log.Printf("resolverlink: dial seed %s failed: %v", seed.Addr, err)
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSeeds, lastErr)
	}
	return nil, ErrNoSeeds
}

func (l *Link) sendHeartbeat(ctx context.Context, stream quicnet.WriteCloserStream) error {
	sample, err := sysload.Read(ctx, l.loadWindow)
	if err != nil {
		log.Printf("resolverlink: sysload sample failed, sending zero load: %v", err)
		sample = sysload.Sample{}
	}
	hb := wire.RelayHeartbeat{
		RelayId:       l.relayID,
		Load:          wire.PackLoad(sample.CPUPercent, sample.RAMPercent),
		UptimeSeconds: uint64(time.Since(l.startedAt).Seconds()),
	}
	return quicnet.WritePacket(stream, hb)
}
