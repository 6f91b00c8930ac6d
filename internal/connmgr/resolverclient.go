package connmgr

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// refreshRelayList dials each resolver seed in order until one answers a
// GetRelays query, then upserts every returned descriptor into store. An
// UpsertDescriptor call preserves a relay's existing circuit state (spec
// §3), so a relay the selector has already penalized stays penalized
// across a refresh.
func refreshRelayList(ctx context.Context, seeds []string, insecure bool, store *storage.NetworkStore) error {
	var lastErr error
	for _, addr := range seeds {
		relays, err := queryRelays(ctx, addr, insecure)
		if err != nil {
			lastErr = err
			continue
		}
		for _, d := range relays {
			host, portStr, err := net.SplitHostPort(d.Addr)
			if err != nil {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			if err := store.UpsertDescriptor(d.Id.String(), host, port, int(wire.ProtocolVersion)); err != nil {
				return fmt.Errorf("connmgr: upsert relay descriptor: %w", err)
			}
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("connmgr: refresh relay list: %w", lastErr)
	}
	return fmt.Errorf("connmgr: refresh relay list: no resolver seeds configured")
}

func queryRelays(ctx context.Context, resolverAddr string, insecure bool) ([]wire.RelayDescriptor, error) {
	conn, err := quicnet.Dial(ctx, resolverAddr, quicnet.ALPNResolver, insecure)
	if err != nil {
		return nil, fmt.Errorf("connmgr: dial resolver %s: %w", resolverAddr, err)
	}
	defer conn.CloseWithError(0, "query complete")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("connmgr: open query stream: %w", err)
	}
	defer stream.Close()

	if err := quicnet.WritePacket(stream, wire.GetRelaysRequest{}); err != nil {
		return nil, fmt.Errorf("connmgr: send GetRelaysRequest: %w", err)
	}
	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		return nil, fmt.Errorf("connmgr: read GetRelaysResponse: %w", err)
	}
	resp, ok := pkt.(wire.GetRelaysResponse)
	if !ok {
		return nil, fmt.Errorf("connmgr: expected GetRelaysResponse, got tag %d", pkt.Tag())
	}
	return resp.Relays, nil
}
