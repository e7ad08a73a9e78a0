package ipcframe

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame([]byte(`{"hello":{"server_version":1}}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame([]byte(`{"request":{"kind":"Ping"}}`)); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	first, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != `{"hello":{"server_version":1}}` {
		t.Fatalf("got %q", first)
	}
	second, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != `{"request":{"kind":"Ping"}}` {
		t.Fatalf("got %q", second)
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Fatalf("want io.EOF at end of stream, got %v", err)
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.Write(make([]byte, 10)) // short body, never reached

	r := NewReader(&buf)
	r.SetMaxFrameSize(50)
	_, err := r.ReadFrame()
	if err == nil {
		t.Fatal("want error for oversized frame")
	}
	var tooLarge *ErrFrameTooLarge
	if e, ok := err.(*ErrFrameTooLarge); ok {
		tooLarge = e
	}
	if tooLarge == nil {
		t.Fatalf("want ErrFrameTooLarge, got %v (%T)", err, err)
	}
}

func TestTruncatedFrameIsError(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])
	buf.Write([]byte("short"))

	r := NewReader(&buf)
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("want error for truncated body")
	}
}

func TestConnReadWrite(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := NewWriter(pw)
		w.WriteFrame([]byte("frame-a"))
		pw.Close()
	}()
	c := NewConn(struct {
		io.Reader
		io.Writer
		io.Closer
	}{pr, io.Discard, pr})
	body, err := c.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "frame-a" {
		t.Fatalf("got %q", body)
	}
	<-done
}
