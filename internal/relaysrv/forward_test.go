package relaysrv

import (
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// newTestRelay wires a Relay behind a live quicnet.Endpoint on ALPNRelay,
// mirroring cmd/relay/main.go's setup.
func newTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	queue, err := storage.OpenNetworkStore(t.TempDir())
	if err != nil {
		t.Fatalf("open network store: %v", err)
	}
	t.Cleanup(func() { queue.Close() })
	relay := New(queue)

	cert, err := quicnet.LoadOrGenerateCert(t.TempDir()+"/relay.crt", t.TempDir()+"/relay.key")
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	ep, err := quicnet.Listen("127.0.0.1:0", cert, quicnet.Config{MaxIncomingStreams: 64, MaxIncomingUniStreams: 64})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	ep.Handle(quicnet.ALPNRelay, relay.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ep.Serve(ctx)

	return relay, ep.Addr().String()
}

// testClient drives the client side of a relay session: handshake, then a
// fresh stream per forward-plane request, per spec §4.5 (the bug this test
// file exists to catch: reusing one stream for a second request hangs).
type testClient struct {
	t      *testing.T
	conn   quic.Connection
	signer *identity.Signer
}

func dialTestClient(t *testing.T, ctx context.Context, addr string, signer *identity.Signer) *testClient {
	t.Helper()
	conn, handshakeStream, result := dialAndHandshake(t, ctx, addr, signer)
	if _, ok := result.(wire.ServerAccept); !ok {
		t.Fatalf("expected ServerAccept, got %T", result)
	}
	// The handshake stream is single-use; close it so the relay's
	// matching serveStream goroutine (which reads exactly one packet from
	// it) doesn't sit there until the connection closes.
	handshakeStream.Close()
	return &testClient{t: t, conn: conn, signer: signer}
}

func (c *testClient) forward(ctx context.Context, to identity.NodeKey, payload []byte) wire.Packet {
	c.t.Helper()
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		c.t.Fatalf("open forward stream: %v", err)
	}
	defer stream.Close()

	f := wire.Forward{To: to, From: c.signer.NodeKey(), Payload: payload}
	sig, err := c.signer.Sign(f.SignedMessage())
	if err != nil {
		c.t.Fatalf("sign forward: %v", err)
	}
	copy(f.Sig[:], sig)
	if err := quicnet.WritePacket(stream, f); err != nil {
		c.t.Fatalf("send forward: %v", err)
	}
	result, err := quicnet.ReadPacket(stream)
	if err != nil {
		c.t.Fatalf("read forward result: %v", err)
	}
	return result
}

// acceptDelivers spawns a goroutine that forwards every Deliver pushed on a
// server-initiated stream to the returned channel, mirroring
// connmgr.Manager.serve's receive loop.
func (c *testClient) acceptDelivers(ctx context.Context) <-chan wire.Deliver {
	out := make(chan wire.Deliver, 8)
	go func() {
		for {
			stream, err := c.conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			pkt, err := quicnet.ReadPacket(stream)
			stream.Close()
			if err != nil {
				continue
			}
			if d, ok := pkt.(wire.Deliver); ok {
				out <- d
			}
		}
	}()
	return out
}

func TestForwardDeliversLiveToConnectedRecipient(t *testing.T) {
	_, addr := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := dialTestClient(t, ctx, addr, newTestSigner(t, 0x10))
	defer sender.conn.CloseWithError(0, "done")
	recipientSigner := newTestSigner(t, 0x11)
	recipient := dialTestClient(t, ctx, addr, recipientSigner)
	defer recipient.conn.CloseWithError(0, "done")

	delivers := recipient.acceptDelivers(ctx)

	result := sender.forward(ctx, recipientSigner.NodeKey(), []byte("hello"))
	if _, ok := result.(wire.ForwardResultAccepted); !ok {
		t.Fatalf("expected ForwardResultAccepted, got %T", result)
	}

	select {
	case d := <-delivers:
		if string(d.Payload) != "hello" {
			t.Fatalf("unexpected payload: %q", d.Payload)
		}
		if d.From != sender.signer.NodeKey() {
			t.Fatalf("unexpected sender: %s", d.From.Hex())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for live delivery")
	}
}

func TestForwardRejectsForgedFromSignature(t *testing.T) {
	_, addr := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := dialTestClient(t, ctx, addr, newTestSigner(t, 0x12))
	defer sender.conn.CloseWithError(0, "done")
	recipientSigner := newTestSigner(t, 0x13)

	stream, err := sender.conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open forward stream: %v", err)
	}
	defer stream.Close()

	// A Forward whose Sig doesn't match From — an attempt to impersonate
	// another sender — must be rejected regardless of payload content.
	f := wire.Forward{To: recipientSigner.NodeKey(), From: sender.signer.NodeKey(), Payload: []byte("forged")}
	if err := quicnet.WritePacket(stream, f); err != nil {
		t.Fatalf("send forward: %v", err)
	}
	result, err := quicnet.ReadPacket(stream)
	if err != nil {
		t.Fatalf("read forward result: %v", err)
	}
	if _, ok := result.(wire.ForwardResultInvalidSig); !ok {
		t.Fatalf("expected ForwardResultInvalidSig, got %T", result)
	}
}

func TestForwardQueuesForOfflineRecipientAndDrainsOnReconnect(t *testing.T) {
	_, addr := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := dialTestClient(t, ctx, addr, newTestSigner(t, 0x14))
	defer sender.conn.CloseWithError(0, "done")
	recipientSigner := newTestSigner(t, 0x15)

	result := sender.forward(ctx, recipientSigner.NodeKey(), []byte("while offline"))
	if _, ok := result.(wire.ForwardResultAccepted); !ok {
		t.Fatalf("expected ForwardResultAccepted even while recipient is offline, got %T", result)
	}

	recipient := dialTestClient(t, ctx, addr, recipientSigner)
	defer recipient.conn.CloseWithError(0, "done")
	delivers := recipient.acceptDelivers(ctx)

	select {
	case d := <-delivers:
		if string(d.Payload) != "while offline" {
			t.Fatalf("unexpected drained payload: %q", d.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queued message to drain on reconnect")
	}
}

// TestMultipleForwardsOverSameConnectionDoNotHang guards against reusing a
// single stream across requests: the relay's serveStream reads exactly one
// packet per stream, so a second request on the same stream would block
// forever waiting for a relay-side reader that already returned.
func TestMultipleForwardsOverSameConnectionDoNotHang(t *testing.T) {
	_, addr := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := dialTestClient(t, ctx, addr, newTestSigner(t, 0x16))
	defer sender.conn.CloseWithError(0, "done")
	recipientSigner := newTestSigner(t, 0x17)
	recipient := dialTestClient(t, ctx, addr, recipientSigner)
	defer recipient.conn.CloseWithError(0, "done")
	delivers := recipient.acceptDelivers(ctx)

	for i, payload := range []string{"first", "second", "third"} {
		result := sender.forward(ctx, recipientSigner.NodeKey(), []byte(payload))
		if _, ok := result.(wire.ForwardResultAccepted); !ok {
			t.Fatalf("message %d: expected ForwardResultAccepted, got %T", i, result)
		}
		select {
		case d := <-delivers:
			if string(d.Payload) != payload {
				t.Fatalf("message %d: unexpected payload: %q", i, d.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d: timed out waiting for delivery", i)
		}
	}
}
