package identityqr

import (
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var ipk [32]byte
	for i := range ipk {
		ipk[i] = 0xAA
	}
	rec := Record{Ipk: ipk, Addr: net.ParseIP("192.168.1.10"), Port: 4433, Name: "Alice"}
	b, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ipk != rec.Ipk || got.Port != rec.Port || got.Name != rec.Name || !got.Addr.Equal(rec.Addr) {
		t.Fatalf("round-trip mismatch: %+v != %+v", got, rec)
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	rec := Record{Addr: net.ParseIP("10.0.0.1"), Port: 1, Name: "x"}
	b, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)-1] ^= 0xFF
	if _, err := Decode(b); err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestEncodeIPv6(t *testing.T) {
	rec := Record{Addr: net.ParseIP("2001:db8::1"), Port: 9999, Name: "Bob"}
	b, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Addr.Equal(rec.Addr) {
		t.Fatalf("ipv6 round-trip mismatch: %v != %v", got.Addr, rec.Addr)
	}
}
