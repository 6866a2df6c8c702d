package main

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordingHandler struct {
	name string

	mu       sync.Mutex
	commands []string
}

func (h *recordingHandler) HandleCLICommand(ctx context.Context, command string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	return h.name + ": " + command + "\n"
}

func TestCLIRouting(t *testing.T) {
	bc := &recordingHandler{name: "bidcos"}
	wc := &recordingHandler{name: "wired"}
	srv := &cliServer{bidcos: bc, wired: wc}
	ctx := context.Background()

	if got, want := srv.handle(ctx, "peers list"), "bidcos: peers list\n"; got != want {
		t.Fatalf("unexpected response: got %q, want %q", got, want)
	}
	if got, want := srv.handle(ctx, "wired search"), "wired: search\n"; got != want {
		t.Fatalf("unexpected response: got %q, want %q", got, want)
	}
	if got := srv.handle(ctx, "help"); !strings.Contains(got, "wired COMMAND") {
		t.Fatalf("help does not mention wired commands: %q", got)
	}

	srv.wired = nil
	if got, want := srv.handle(ctx, "wired search"), "HomeMatic Wired is not enabled.\n"; got != want {
		t.Fatalf("unexpected response: got %q, want %q", got, want)
	}
}

func TestCLISocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	path := filepath.Join(t.TempDir(), "cli.sock")
	ln, err := listenUnix(path)
	if err != nil {
		t.Fatal(err)
	}
	srv := &cliServer{bidcos: &recordingHandler{name: "bidcos"}}
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Error(err)
		}
	}()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for _, cmd := range []string{"peers list", "pairing on"} {
		if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
			t.Fatal(err)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if got, want := line, "bidcos: "+cmd+"\n"; got != want {
			t.Fatalf("unexpected response: got %q, want %q", got, want)
		}
	}
	if _, err := conn.Write([]byte("quit\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatalf("connection still open after quit")
	}
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.sock")
	ln, err := listenUnix(path)
	if err != nil {
		t.Fatal(err)
	}
	// Leave the socket file behind like a crashed process would.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	ln, err = listenUnix(path)
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
}
