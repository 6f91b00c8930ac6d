// Package p2pid implements the direct peer-to-peer identity exchange of
// spec §4.6: a five-step scanner/sharer handshake over a dedicated mTLS
// QUIC connection whose certificates carry the identity public key
// itself, so neither side has to trust an unauthenticated field.
package p2pid

import (
	"time"

	"github.com/petervdpas/goop2-relay/internal/identity"
)

// UIDecisionTimeout is spec §4.6's 60-second budget for the sharer's UI to
// accept or reject an incoming AddMe.
const UIDecisionTimeout = 60 * time.Second

// ConfirmTimeout is spec §4.6's 15-second budget for the scanner's
// Confirmed to arrive once the sharer has sent AddedYou.
const ConfirmTimeout = 15 * time.Second

// scannerResponseTimeout bounds how long the scanner waits for the
// sharer's AddedYou/No, covering the sharer's own 60-second UI budget
// plus slack for transport round-trips.
const scannerResponseTimeout = UIDecisionTimeout + 15*time.Second

// Candidate is what the sharer's Decider is asked to approve or reject:
// the scanner's identity key (bound into its TLS certificate, not just
// asserted in AddMe), its friendship agreement key, and its display name.
type Candidate struct {
	PeerIpk identity.NodeKey
	PeerEpk [32]byte
	Name    string
}

// Decider decides whether to accept a pending exchange. It runs on its own
// goroutine; the sharer's connection handler waits for its answer, racing
// it against UIDecisionTimeout and treating a slow answer as a reject.
type Decider func(Candidate) bool
