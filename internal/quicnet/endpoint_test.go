package quicnet

import (
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/wire"
)

func TestEndpointDispatchesByALPN(t *testing.T) {
	cert, err := generateAndSave(t.TempDir()+"/cert.pem", t.TempDir()+"/key.pem")
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}

	ep, err := Listen("127.0.0.1:0", cert, Config{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ep.Close()

	received := make(chan wire.Packet, 1)
	ep.Handle(ALPNRelay, func(ctx context.Context, conn quic.Connection) {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		pkt, err := ReadPacket(stream)
		if err != nil {
			return
		}
		received <- pkt
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, err := Dial(dialCtx, ep.Addr().String(), ALPNRelay, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseWithError(0, "done")

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := WritePacket(stream, &wire.ClientHello{}); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	select {
	case pkt := <-received:
		if pkt.Tag() != wire.TagClientHello {
			t.Fatalf("unexpected packet tag %d", pkt.Tag())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatched packet")
	}
}

func TestEndpointRejectsUnregisteredALPN(t *testing.T) {
	cert, err := generateAndSave(t.TempDir()+"/cert.pem", t.TempDir()+"/key.pem")
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	ep, err := Listen("127.0.0.1:0", cert, Config{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, err := Dial(dialCtx, ep.Addr().String(), ALPNClient, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseWithError(0, "done")

	// The server should close the connection since no handler is
	// registered for ALPNClient; a stream open attempt fails.
	if _, err := conn.OpenStreamSync(dialCtx); err == nil {
		// accept a short grace period for the close to propagate
		time.Sleep(200 * time.Millisecond)
		if _, err := conn.OpenStreamSync(dialCtx); err == nil {
			t.Fatal("expected connection to be closed for unregistered ALPN")
		}
	}
}
