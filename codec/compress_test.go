package codec

import (
	"bytes"
	"testing"
)

func TestCompressingRoundTripSmallFrame(t *testing.T) {
	z, err := NewCompressing(1024)
	if err != nil {
		t.Fatal(err)
	}
	defer z.Close()

	frame := []byte("tiny")
	packed := z.Pack(frame)
	if packed[0] != frameRaw {
		t.Fatalf("expected small frame to stay raw, got marker %d", packed[0])
	}
	unpacked, err := z.Unpack(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unpacked, frame) {
		t.Fatalf("got %q", unpacked)
	}
}

func TestCompressingRoundTripLargeFrame(t *testing.T) {
	z, err := NewCompressing(16)
	if err != nil {
		t.Fatal(err)
	}
	defer z.Close()

	frame := bytes.Repeat([]byte("abcdefgh"), 4096)
	packed := z.Pack(frame)
	if packed[0] != frameCompressed {
		t.Fatalf("expected large repetitive frame to compress, got marker %d", packed[0])
	}
	unpacked, err := z.Unpack(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unpacked, frame) {
		t.Fatal("round trip mismatch")
	}
}
