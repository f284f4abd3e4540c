package socketchannel

import (
	"net"
	"testing"
	"time"
)

func TestWriteLineAndReadLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ch := New(server, nil)

	done := make(chan error, 1)
	go func() {
		done <- ch.WriteLine("220 ready")
	}()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got, want := string(buf[:n]), "220 ready\r\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
}

func TestReadLineStripsCRLF(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ch := New(server, nil)

	go func() {
		_, _ = client.Write([]byte("EHLO test.example\r\n"))
	}()

	line, err := ch.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "EHLO test.example" {
		t.Fatalf("got %q", line)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ch := New(server, nil)
	if err := ch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if ch.IsOpen() {
		t.Fatal("expected channel to report closed")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ch := New(server, nil)
	_ = ch.Close()

	if _, err := ch.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestIdleTimerClosesOnExpiry(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ch := New(server, nil)
	ch.StartTimer(20 * time.Millisecond)
	defer ch.CancelTimer()

	deadline := time.After(2 * time.Second)
	for ch.IsOpen() {
		select {
		case <-deadline:
			t.Fatal("idle channel was never closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
