package quicnet

import (
	"fmt"
	"io"

	"github.com/petervdpas/goop2-relay/internal/frame"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// ReadPacket reads one length-prefixed frame from r and decodes it as a
// wire.Packet.
func ReadPacket(r io.Reader) (wire.Packet, error) {
	body, err := frame.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	pkt, err := wire.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("quicnet: decode packet: %w", err)
	}
	return pkt, nil
}

// WritePacket encodes pkt and writes it to w as one length-prefixed frame.
func WritePacket(w io.Writer, pkt wire.Packet) error {
	return frame.WriteFrame(w, wire.Encode(pkt))
}

// Semaphore bounds the number of concurrent streams a connection handler
// will service at once (spec §4.1: 16 on resolver/relay-facing roles, 64
// client-facing).
type Semaphore chan struct{}

// NewSemaphore returns a Semaphore with the given capacity.
func NewSemaphore(n int) Semaphore { return make(Semaphore, n) }

// Acquire blocks until a slot is free.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot.
func (s Semaphore) Release() { <-s }
