package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stapelberg/hmcentral/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hmcentral.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
central:
  address: "1A2B3C"
  install_mode_duration: 2m
database:
  path: /tmp/test.db
queue:
  resend_wait: 1s
mqtt:
  enabled: true
  broker: tcp://broker:1883
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := cfg.CentralAddress()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := addr, [3]byte{0x1a, 0x2b, 0x3c}; got != want {
		t.Fatalf("unexpected central address: got %x, want %x", got, want)
	}
	if got, want := cfg.Central.InstallModeDuration, 2*time.Minute; got != want {
		t.Fatalf("unexpected install mode duration: got %v, want %v", got, want)
	}
	if got, want := cfg.Queue.ResendWait, time.Second; got != want {
		t.Fatalf("unexpected resend wait: got %v, want %v", got, want)
	}
	// not in the file, so the default applies
	if got, want := cfg.Queue.Retries, 4; got != want {
		t.Fatalf("unexpected retries: got %d, want %d", got, want)
	}
	if got, want := cfg.MQTT.Broker, "tcp://broker:1883"; got != want {
		t.Fatalf("unexpected broker: got %q, want %q", got, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Firmware.BlockRetries, 10; got != want {
		t.Fatalf("unexpected block retries: got %d, want %d", got, want)
	}
	wired, err := cfg.CentralWiredAddress()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := wired, int32(1); got != want {
		t.Fatalf("unexpected wired address: got %x, want %x", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/hmcentral.yaml"); err == nil {
		t.Fatalf("Load of a missing file unexpectedly succeeded")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
central:
  address: "xyz"
database:
  path: ""
queue:
  retries: 1
logging:
  format: xml
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("Load of an invalid config unexpectedly succeeded")
	}
	for _, want := range []string{"central.address", "database.path", "queue.retries", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HMCENTRAL_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("HMCENTRAL_INFLUXDB_TOKEN", "secret")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Database.Path, "/tmp/env.db"; got != want {
		t.Fatalf("unexpected database path: got %q, want %q", got, want)
	}
	if got, want := cfg.InfluxDB.Token, "secret"; got != want {
		t.Fatalf("unexpected token: got %q, want %q", got, want)
	}
}
