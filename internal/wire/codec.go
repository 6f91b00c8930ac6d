package wire

import (
	"encoding/binary"
	"fmt"
)

// encoder appends fields in wire order into a single growable buffer.
type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) fixed(b []byte) { e.buf = append(e.buf, b...) }

// bytes writes a u16-length-prefixed byte slice.
func (e *encoder) bytes(b []byte) {
	e.u16(uint16(len(b)))
	e.buf = append(e.buf, b...)
}

// str writes a u16-length-prefixed UTF-8 string.
func (e *encoder) str(s string) { e.bytes([]byte(s)) }

// decoder reads fields in wire order, latching the first error so call
// sites can chain reads without per-field error checks.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("wire: short body: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf))
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.need(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) fixed(n int) []byte {
	b := d.need(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) bytes() []byte {
	n := d.u16()
	return d.fixed(int(n))
}

func (d *decoder) str() string {
	return string(d.bytes())
}
