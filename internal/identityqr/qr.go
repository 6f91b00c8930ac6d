// Package identityqr implements the byte layout of the identity QR
// artifact described in spec §6: the out-of-band payload a sharer
// publishes and a scanner consumes to begin the five-step identity
// exchange (spec §4.6). Rendering these bytes to an actual QR bitmap is
// the out-of-scope UI concern named in spec §1; this package stops at the
// framed payload, matching test scenario S6 in spec §8.
package identityqr

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
)

var magic = [4]byte{'P', 'I', 'D', 'Q'}

const (
	version byte = 1
	flags   byte = 0

	ipv4Tag byte = 4
	ipv6Tag byte = 6
)

// Record is the decoded form of an identity QR payload.
type Record struct {
	Ipk  [32]byte
	Addr net.IP
	Port uint16
	Name string
}

// Encode serializes r into the wire layout: magic, version, flags, ipk(32),
// ip version tag, ip octets(4 or 16), port(2, BE), name length(1),
// name(UTF-8), crc32(4, BE) over all preceding bytes.
func Encode(r Record) ([]byte, error) {
	if len(r.Name) > 255 {
		return nil, fmt.Errorf("identityqr: name too long: %d bytes", len(r.Name))
	}
	ip4 := r.Addr.To4()
	var ipTag byte
	var ipBytes []byte
	if ip4 != nil {
		ipTag = ipv4Tag
		ipBytes = ip4
	} else {
		ip16 := r.Addr.To16()
		if ip16 == nil {
			return nil, fmt.Errorf("identityqr: invalid IP address")
		}
		ipTag = ipv6Tag
		ipBytes = ip16
	}

	buf := make([]byte, 0, 4+1+1+32+1+len(ipBytes)+2+1+len(r.Name)+4)
	buf = append(buf, magic[:]...)
	buf = append(buf, version, flags)
	buf = append(buf, r.Ipk[:]...)
	buf = append(buf, ipTag)
	buf = append(buf, ipBytes...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], r.Port)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, byte(len(r.Name)))
	buf = append(buf, r.Name...)

	sum := crc32.ChecksumIEEE(buf)
	var sumBuf [4]byte
	binary.BigEndian.PutUint32(sumBuf[:], sum)
	buf = append(buf, sumBuf[:]...)
	return buf, nil
}

// Decode parses and validates an identity QR payload, rejecting any CRC
// mismatch or malformed layout.
func Decode(b []byte) (Record, error) {
	var rec Record
	if len(b) < 4+1+1+32+1 {
		return rec, fmt.Errorf("identityqr: payload too short")
	}
	if [4]byte(b[0:4]) != magic {
		return rec, fmt.Errorf("identityqr: bad magic")
	}
	if b[4] != version {
		return rec, fmt.Errorf("identityqr: unsupported version %d", b[4])
	}
	pos := 6
	copy(rec.Ipk[:], b[pos:pos+32])
	pos += 32

	ipTag := b[pos]
	pos++
	var ipLen int
	switch ipTag {
	case ipv4Tag:
		ipLen = 4
	case ipv6Tag:
		ipLen = 16
	default:
		return rec, fmt.Errorf("identityqr: bad ip version tag %d", ipTag)
	}
	if len(b) < pos+ipLen+2+1+4 {
		return rec, fmt.Errorf("identityqr: payload too short for ip/port/name/crc")
	}
	rec.Addr = net.IP(append([]byte{}, b[pos:pos+ipLen]...))
	pos += ipLen

	rec.Port = binary.BigEndian.Uint16(b[pos : pos+2])
	pos += 2

	nameLen := int(b[pos])
	pos++
	if len(b) < pos+nameLen+4 {
		return rec, fmt.Errorf("identityqr: payload too short for name/crc")
	}
	rec.Name = string(b[pos : pos+nameLen])
	pos += nameLen

	wantSum := binary.BigEndian.Uint32(b[pos : pos+4])
	gotSum := crc32.ChecksumIEEE(b[:pos])
	if gotSum != wantSum {
		return rec, fmt.Errorf("identityqr: crc mismatch")
	}
	if pos+4 != len(b) {
		return rec, fmt.Errorf("identityqr: trailing bytes after crc")
	}
	return rec, nil
}
