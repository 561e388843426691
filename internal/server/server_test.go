package server

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	clientpkg "github.com/il-steffen/kafl.fuzzer/internal/client"
	"github.com/il-steffen/kafl.fuzzer/internal/wire"
)

func TestServerAcceptsAndDecodesReady(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "kafl_socket")

	srv, err := New(sockPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		c, err := clientpkg.Dial(sockPath)
		if err != nil {
			done <- err
			return
		}
		defer c.Close()
		done <- c.AnnounceReady(42)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var events []Event
	for time.Now().Before(deadline) && len(events) == 0 {
		evs, err := srv.Wait(100)
		if err != nil && !errors.Is(err, ErrAllWorkersExited) {
			t.Fatalf("Wait: %v", err)
		}
		events = append(events, evs...)
	}
	if err := <-done; err != nil {
		t.Fatalf("client: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ready, ok := events[0].Message.(wire.Ready)
	if !ok || ready.WorkerID != 42 {
		t.Fatalf("got %#v, want Ready{WorkerID: 42}", events[0].Message)
	}
	if srv.ClientsSeen() != 1 {
		t.Fatalf("ClientsSeen = %d, want 1", srv.ClientsSeen())
	}
}

func TestServerSendBusyReachesClient(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "kafl_socket")
	srv, err := New(sockPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	clientReady := make(chan *clientpkg.Client, 1)
	go func() {
		c, err := clientpkg.Dial(sockPath)
		if err != nil {
			t.Errorf("client dial: %v", err)
			return
		}
		c.AnnounceReady(1)
		clientReady <- c
	}()

	var clientID ClientID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := srv.Wait(100)
		if err != nil && !errors.Is(err, ErrAllWorkersExited) {
			t.Fatalf("Wait: %v", err)
		}
		if len(events) > 0 {
			clientID = events[0].Client
			break
		}
	}
	if clientID == 0 {
		t.Fatal("never observed a READY event")
	}

	c := <-clientReady
	defer c.Close()

	if err := srv.SendBusy(clientID); err != nil {
		t.Fatalf("SendBusy: %v", err)
	}
	msg, err := c.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, ok := msg.(wire.Busy); !ok {
		t.Fatalf("got %#v, want Busy", msg)
	}
}

func TestServerDropsClientOnOversizedFrame(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "kafl_socket")
	srv, err := New(sockPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	go func() {
		conn, err := net.Dial("unix", sockPath)
		if err != nil {
			return
		}
		// A hostile length prefix; the connection must be dropped, not
		// buffered while waiting for 4 GiB that will never arrive.
		conn.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x00, 0x00})
		// Keep the socket open so only the server side can end it.
		time.Sleep(3 * time.Second)
		conn.Close()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := srv.Wait(100)
		if errors.Is(err, ErrAllWorkersExited) {
			if srv.ClientCount() != 0 {
				t.Fatalf("client count = %d after drop, want 0", srv.ClientCount())
			}
			return
		}
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	t.Fatal("server never dropped the client that sent an oversized frame")
}

func TestServerTerminalExitOnLastClientDisconnect(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "kafl_socket")
	srv, err := New(sockPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	go func() {
		c, err := clientpkg.Dial(sockPath)
		if err != nil {
			return
		}
		c.AnnounceReady(1)
		time.Sleep(50 * time.Millisecond)
		c.Close()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := srv.Wait(100)
		if errors.Is(err, ErrAllWorkersExited) {
			return
		}
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	t.Fatal("server never reported ErrAllWorkersExited after the only client disconnected")
}
