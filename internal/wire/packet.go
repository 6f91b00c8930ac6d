// Package wire implements the compact tagged-variant packet encoding
// carried inside every internal/frame envelope (spec §4.1, §6). Each
// packet variant here corresponds 1:1 to a variant named in spec §6's
// wire protocol table.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/petervdpas/goop2-relay/internal/identity"
)

// ProtocolVersion is the integer ALPN suffix (spec §6: "PROTOCOL_VERSION is
// the integer suffix; a mismatch rejects the connection") and the value
// folded into the relay handshake's signed transcript (spec §4.4).
const ProtocolVersion uint16 = 1

// HandshakeAuthPrefix is the fixed prefix of the relay-auth signed message:
// "relay-auth-v" ‖ PROTOCOL_VERSION_BE_u16 ‖ nonce (spec §4.4).
const HandshakeAuthPrefix = "relay-auth-v"

// HandshakeSignedMessage builds the exact byte sequence a client signs (and
// a relay verifies) to prove control of ipk during the handshake.
func HandshakeSignedMessage(nonce [32]byte) []byte {
	buf := make([]byte, 0, len(HandshakeAuthPrefix)+2+32)
	buf = append(buf, HandshakeAuthPrefix...)
	buf = append(buf, byte(ProtocolVersion>>8), byte(ProtocolVersion))
	buf = append(buf, nonce[:]...)
	return buf
}

// Packet is implemented by every wire packet variant.
type Packet interface {
	Tag() uint8
	encodeBody(*encoder)
}

// Tag values. The tag space is global across all packet families; a given
// QUIC stream only ever expects a subset of it (the relay handshake
// stream expects 1-5, the forward-plane stream expects 6-15, and so on) —
// enforcing that subset is the job of the state machines in internal/
// relaysrv and internal/p2pid, not of this package.
const (
	TagClientHello uint8 = iota + 1
	TagServerChallenge
	TagClientProof
	TagServerAccept
	TagServerReject

	TagQuery
	TagQueryResultAddr
	TagQueryResultNotFound
	TagQueryResultError

	TagForward
	TagForwardResultAccepted
	TagForwardResultNotFound
	TagForwardResultInvalidSig
	TagForwardResultError
	TagDeliver

	TagAddMe
	TagNeverMind
	TagNo
	TagAddedYou
	TagConfirmed

	TagRelayHello
	TagHelloAck
	TagRelayHeartbeat

	TagGetRelaysRequest
	TagGetRelaysResponse
)

// ---- handshake (§4.4, §6) ----

type ClientHello struct{ Ipk identity.NodeKey }

func (ClientHello) Tag() uint8 { return TagClientHello }
func (p ClientHello) encodeBody(e *encoder) { e.fixed(p.Ipk[:]) }

type ServerChallenge struct{ Nonce [32]byte }

func (ServerChallenge) Tag() uint8 { return TagServerChallenge }
func (p ServerChallenge) encodeBody(e *encoder) { e.fixed(p.Nonce[:]) }

type ClientProof struct{ Sig [64]byte }

func (ClientProof) Tag() uint8 { return TagClientProof }
func (p ClientProof) encodeBody(e *encoder) { e.fixed(p.Sig[:]) }

type ServerAccept struct{ Timestamp uint64 }

func (ServerAccept) Tag() uint8 { return TagServerAccept }
func (p ServerAccept) encodeBody(e *encoder) { e.u64(p.Timestamp) }

type ServerReject struct{ Reason string }

func (ServerReject) Tag() uint8 { return TagServerReject }
func (p ServerReject) encodeBody(e *encoder) { e.str(p.Reason) }

// ---- forward plane (§4.5, §6) ----

type Query struct{} // only PubAddress exists today

func (Query) Tag() uint8 { return TagQuery }
func (Query) encodeBody(*encoder) {}

type QueryResultAddr struct{ Addr string }

func (QueryResultAddr) Tag() uint8 { return TagQueryResultAddr }
func (p QueryResultAddr) encodeBody(e *encoder) { e.str(p.Addr) }

type QueryResultNotFound struct{}

func (QueryResultNotFound) Tag() uint8 { return TagQueryResultNotFound }
func (QueryResultNotFound) encodeBody(*encoder) {}

type QueryResultError struct{ Reason string }

func (QueryResultError) Tag() uint8 { return TagQueryResultError }
func (p QueryResultError) encodeBody(e *encoder) { e.str(p.Reason) }

// Forward is the signed request a client sends to forward ciphertext to a
// recipient. Sig covers To‖From‖Payload with no domain tag (spec §6).
type Forward struct {
	To      identity.NodeKey
	From    identity.NodeKey
	Payload []byte
	Sig     [64]byte
}

func (Forward) Tag() uint8 { return TagForward }
func (p Forward) encodeBody(e *encoder) {
	e.fixed(p.To[:])
	e.fixed(p.From[:])
	e.bytes(p.Payload)
	e.fixed(p.Sig[:])
}

// SignedMessage returns the exact byte sequence the sender signs and the
// relay/recipient verify: To‖From‖Payload.
func (p Forward) SignedMessage() []byte {
	buf := make([]byte, 0, 64+len(p.Payload))
	buf = append(buf, p.To[:]...)
	buf = append(buf, p.From[:]...)
	buf = append(buf, p.Payload...)
	return buf
}

type ForwardResultAccepted struct{}

func (ForwardResultAccepted) Tag() uint8 { return TagForwardResultAccepted }
func (ForwardResultAccepted) encodeBody(*encoder) {}

type ForwardResultNotFound struct{}

func (ForwardResultNotFound) Tag() uint8 { return TagForwardResultNotFound }
func (ForwardResultNotFound) encodeBody(*encoder) {}

type ForwardResultInvalidSig struct{}

func (ForwardResultInvalidSig) Tag() uint8 { return TagForwardResultInvalidSig }
func (ForwardResultInvalidSig) encodeBody(*encoder) {}

type ForwardResultError struct{ Reason string }

func (ForwardResultError) Tag() uint8 { return TagForwardResultError }
func (p ForwardResultError) encodeBody(e *encoder) { e.str(p.Reason) }

// Deliver is what the relay writes on a server-initiated stream to an
// authenticated, locally-connected recipient.
type Deliver struct {
	From    identity.NodeKey
	Payload []byte
	Sig     [64]byte
}

func (Deliver) Tag() uint8 { return TagDeliver }
func (p Deliver) encodeBody(e *encoder) {
	e.fixed(p.From[:])
	e.bytes(p.Payload)
	e.fixed(p.Sig[:])
}

// SignedMessage reconstructs To‖From‖Payload for a Deliver given the
// recipient's own identity key (the `to` the original Forward carried).
func (p Deliver) SignedMessage(to identity.NodeKey) []byte {
	buf := make([]byte, 0, 64+len(p.Payload))
	buf = append(buf, to[:]...)
	buf = append(buf, p.From[:]...)
	buf = append(buf, p.Payload...)
	return buf
}

// ---- peer identity exchange (§4.6, §6) ----

type AddMe struct {
	Epk  [32]byte
	Name string
}

func (AddMe) Tag() uint8 { return TagAddMe }
func (p AddMe) encodeBody(e *encoder) {
	e.fixed(p.Epk[:])
	e.str(p.Name)
}

type NeverMind struct{}

func (NeverMind) Tag() uint8 { return TagNeverMind }
func (NeverMind) encodeBody(*encoder) {}

type No struct{ Reason string }

func (No) Tag() uint8 { return TagNo }
func (p No) encodeBody(e *encoder) { e.str(p.Reason) }

type AddedYou struct{ Epk [32]byte }

func (AddedYou) Tag() uint8 { return TagAddedYou }
func (p AddedYou) encodeBody(e *encoder) { e.fixed(p.Epk[:]) }

type Confirmed struct{}

func (Confirmed) Tag() uint8 { return TagConfirmed }
func (Confirmed) encodeBody(*encoder) {}

// ---- resolver lifecycle (§4.7, §4.10, §6) ----

// Timestamp128 is a big-endian 128-bit wire timestamp (spec §6 names
// `timestamp:u128` for resolver lifecycle packets). Only the low 64 bits
// are meaningful for any value this codebase produces; the extra width is
// carried so a future 128-bit clock could populate it without a wire
// format change.
type Timestamp128 [16]byte

func TimestampFromUnixNano(nanos int64) Timestamp128 {
	var t Timestamp128
	binary.BigEndian.PutUint64(t[8:], uint64(nanos))
	return t
}

func (t Timestamp128) UnixNano() int64 {
	return int64(binary.BigEndian.Uint64(t[8:]))
}

type RelayHello struct {
	RelayId   identity.NodeId
	Timestamp Timestamp128
}

func (RelayHello) Tag() uint8 { return TagRelayHello }
func (p RelayHello) encodeBody(e *encoder) {
	e.fixed(p.RelayId[:])
	e.fixed(p.Timestamp[:])
}

type HelloAck struct{ ResolverTime Timestamp128 }

func (HelloAck) Tag() uint8 { return TagHelloAck }
func (p HelloAck) encodeBody(e *encoder) { e.fixed(p.ResolverTime[:]) }

// RelayHeartbeat.Load packs CPU% into the high 7 bits and RAM% into the
// low 7 bits of a 16-bit word (spec §4.10).
type RelayHeartbeat struct {
	RelayId        identity.NodeId
	Load           uint16
	UptimeSeconds  uint64
}

func (RelayHeartbeat) Tag() uint8 { return TagRelayHeartbeat }
func (p RelayHeartbeat) encodeBody(e *encoder) {
	e.fixed(p.RelayId[:])
	e.u16(p.Load)
	e.u64(p.UptimeSeconds)
}

// PackLoad packs cpuPct and ramPct (each 0-100) into the wire Load word.
func PackLoad(cpuPct, ramPct uint8) uint16 {
	return uint16(cpuPct&0x7f)<<9 | uint16(ramPct&0x7f)
}

// UnpackLoad is the inverse of PackLoad.
func UnpackLoad(load uint16) (cpuPct, ramPct uint8) {
	return uint8((load >> 9) & 0x7f), uint8(load & 0x7f)
}

// ---- resolver client API (§4.7, §6) ----

type GetRelaysRequest struct{}

func (GetRelaysRequest) Tag() uint8 { return TagGetRelaysRequest }
func (GetRelaysRequest) encodeBody(*encoder) {}

type RelayDescriptor struct {
	Id   identity.NodeId
	Addr string
}

type GetRelaysResponse struct{ Relays []RelayDescriptor }

func (GetRelaysResponse) Tag() uint8 { return TagGetRelaysResponse }
func (p GetRelaysResponse) encodeBody(e *encoder) {
	e.u16(uint16(len(p.Relays)))
	for _, r := range p.Relays {
		e.fixed(r.Id[:])
		e.str(r.Addr)
	}
}

// Encode serializes a packet to its tagged body (without the frame length
// prefix — internal/frame owns that).
func Encode(p Packet) []byte {
	e := &encoder{}
	e.u8(p.Tag())
	p.encodeBody(e)
	return e.buf
}

// Decode parses a tagged body back into its concrete Packet. It returns an
// error for an unknown tag or a body that runs out before the variant's
// fields are fully read.
func Decode(body []byte) (Packet, error) {
	d := &decoder{buf: body}
	tag := d.u8()
	var p Packet
	switch tag {
	case TagClientHello:
		var v ClientHello
		copy(v.Ipk[:], d.fixed(32))
		p = v
	case TagServerChallenge:
		var v ServerChallenge
		copy(v.Nonce[:], d.fixed(32))
		p = v
	case TagClientProof:
		var v ClientProof
		copy(v.Sig[:], d.fixed(64))
		p = v
	case TagServerAccept:
		p = ServerAccept{Timestamp: d.u64()}
	case TagServerReject:
		p = ServerReject{Reason: d.str()}
	case TagQuery:
		p = Query{}
	case TagQueryResultAddr:
		p = QueryResultAddr{Addr: d.str()}
	case TagQueryResultNotFound:
		p = QueryResultNotFound{}
	case TagQueryResultError:
		p = QueryResultError{Reason: d.str()}
	case TagForward:
		var v Forward
		copy(v.To[:], d.fixed(32))
		copy(v.From[:], d.fixed(32))
		v.Payload = d.bytes()
		copy(v.Sig[:], d.fixed(64))
		p = v
	case TagForwardResultAccepted:
		p = ForwardResultAccepted{}
	case TagForwardResultNotFound:
		p = ForwardResultNotFound{}
	case TagForwardResultInvalidSig:
		p = ForwardResultInvalidSig{}
	case TagForwardResultError:
		p = ForwardResultError{Reason: d.str()}
	case TagDeliver:
		var v Deliver
		copy(v.From[:], d.fixed(32))
		v.Payload = d.bytes()
		copy(v.Sig[:], d.fixed(64))
		p = v
	case TagAddMe:
		var v AddMe
		copy(v.Epk[:], d.fixed(32))
		v.Name = d.str()
		p = v
	case TagNeverMind:
		p = NeverMind{}
	case TagNo:
		p = No{Reason: d.str()}
	case TagAddedYou:
		var v AddedYou
		copy(v.Epk[:], d.fixed(32))
		p = v
	case TagConfirmed:
		p = Confirmed{}
	case TagRelayHello:
		var v RelayHello
		copy(v.RelayId[:], d.fixed(10))
		copy(v.Timestamp[:], d.fixed(16))
		p = v
	case TagHelloAck:
		var v HelloAck
		copy(v.ResolverTime[:], d.fixed(16))
		p = v
	case TagRelayHeartbeat:
		var v RelayHeartbeat
		copy(v.RelayId[:], d.fixed(10))
		v.Load = d.u16()
		v.UptimeSeconds = d.u64()
		p = v
	case TagGetRelaysRequest:
		p = GetRelaysRequest{}
	case TagGetRelaysResponse:
		n := d.u16()
		relays := make([]RelayDescriptor, n)
		for i := range relays {
			copy(relays[i].Id[:], d.fixed(10))
			relays[i].Addr = d.str()
		}
		p = GetRelaysResponse{Relays: relays}
	default:
		return nil, fmt.Errorf("wire: unknown packet tag %d", tag)
	}
	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}
