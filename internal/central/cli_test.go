package central_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stapelberg/hmcentral/internal/central"
)

func TestCLI(t *testing.T) {
	e := newEnv(t)
	e.seed(t, devAddr, "LEQ0000001", 0x0011, 0x18)
	ctx := context.Background()

	out := e.c.HandleCLICommand(ctx, "peers list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if got, want := len(lines), 2; got != want {
		t.Fatalf("unexpected number of lines: got %d, want %d:\n%s", got, want, out)
	}
	for _, want := range []string{"1A2B3C", "LEQ0000001", "HM-LC-Sw1-PL", "1.8"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("peers list: %q does not contain %q", lines[1], want)
		}
	}

	for _, tt := range []struct {
		command string
		want    string
	}{
		{"bogus", "Unknown command. Type help for a list of commands.\n"},
		{"peers remove 99", central.ErrorText},
		{"peers remove x", central.ErrorText},
		{"pairing on 0", central.ErrorText},
		{"pairing on 30", "Pairing mode enabled.\n"},
		{"pairing off", "Pairing mode disabled.\n"},
		{"queues list", "No queues.\n"},
		{"paramset put LEQ0000001 1 FOO=1", central.ErrorText},
		{"team set LEQ0000001 1", central.ErrorText},
		{"link add LEQ0000001 1", central.ErrorText},
	} {
		if got := e.c.HandleCLICommand(ctx, tt.command); got != tt.want {
			t.Errorf("HandleCLICommand(%q): got %q, want %q", tt.command, got, tt.want)
		}
	}

	if got, want := e.c.HandleCLICommand(ctx, "paramset put LEQ0000001 1 TRANSMIT_TRY_MAX=4"), "Parameters queued.\n"; got != want {
		t.Fatalf("unexpected paramset output: got %q, want %q", got, want)
	}
	if out := e.c.HandleCLICommand(ctx, "queues list"); !strings.Contains(out, "1A2B3C") {
		t.Fatalf("config queue not listed:\n%s", out)
	}

	if got, want := e.c.HandleCLICommand(ctx, "peers remove 1"), "Peer removed.\n"; got != want {
		t.Fatalf("unexpected remove output: got %q, want %q", got, want)
	}
	if _, ok := e.c.Peer("LEQ0000001"); ok {
		t.Fatalf("peer still known after removal")
	}
}

func TestCLIInstallMode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.HandleCLICommand(ctx, "pairing on")
	if !e.c.InstallMode() {
		t.Fatalf("install mode not enabled")
	}
	e.c.HandleCLICommand(ctx, "pairing off")
	if e.c.InstallMode() {
		t.Fatalf("install mode not disabled")
	}
}
