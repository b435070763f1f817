package utp

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager("udp", "127.0.0.1:0", DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Serve(ctx)
	t.Cleanup(cancel)
	return mgr
}

func TestManagerHandshakeAndDataTransfer(t *testing.T) {
	server := newTestManager(t)
	client := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan *Stream, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := server.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- s
	}()

	clientStream, err := client.Dial(ctx, server.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var serverStream *Stream
	select {
	case serverStream = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}

	payload := []byte("hello over uTP")
	writeDone := make(chan error, 1)
	go func() {
		_, err := clientStream.Write(payload)
		writeDone <- err
	}()

	buf := make([]byte, len(payload))
	n, err := serverStream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(payload))
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("Read got %q, want %q", buf[:n], payload)
	}

	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}

	clientStream.Close()
	serverStream.Close()
}

func TestManagerResetsUnmatchedDatagram(t *testing.T) {
	server := newTestManager(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	h := header{Type: stData, Version: protocolVersion, ConnectionID: 999, SeqNr: 1, AckNr: 0}
	var buf [headerLen]byte
	h.encode(buf[:])
	if _, err := conn.WriteTo(buf[:], server.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, headerLen)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		t.Fatalf("expected an ST_RESET reply, got error: %v", err)
	}
	got, err := decodeHeader(reply[:n])
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got.Type != stReset {
		t.Errorf("reply type = %s, want ST_RESET", got.Type)
	}
}
