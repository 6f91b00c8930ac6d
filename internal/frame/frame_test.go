package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, MaxBodyLen),
	}
	for _, body := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, body); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("round-trip mismatch: got %d bytes, want %d", len(got), len(body))
		}
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxBodyLen+1))
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	// Claims 10 bytes of body but supplies none.
	buf := bytes.NewBuffer([]byte{0x00, 0x0a})
	_, err := ReadFrame(buf)
	var rerr *ReadError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *ReadError, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF-derived cause, got %v", rerr.Err)
	}
}

func TestReadPacketDeserError(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte{0xFF})
	_, err := ReadPacket(&buf, func(body []byte) (any, error) {
		return nil, errors.New("bad tag")
	})
	var derr *DeserError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DeserError, got %v", err)
	}
}

func TestReadFrameEmptyIsValid(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(got))
	}
}
