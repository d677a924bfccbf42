package wire

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, msg := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, msg); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip mismatch: got %q want %q", got, msg)
		}
	}
}

func TestWriteFrameHeaderFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("ab")); err != nil {
		t.Fatal(err)
	}
	header := buf.String()[:8]
	if header != "00000002" {
		t.Fatalf("unexpected header %q", header)
	}
}

func TestReadFrameOverNetPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		WriteFrame(a, []byte("payload"))
	}()

	a.SetDeadline(time.Now().Add(2 * time.Second))
	b.SetDeadline(time.Now().Add(2 * time.Second))

	got, err := ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestReadFrameTranslatesEOF(t *testing.T) {
	r, w := net.Pipe()
	w.Close()
	_, err := ReadFrame(r)
	if err == nil {
		t.Fatal("expected error on closed pipe")
	}
}
