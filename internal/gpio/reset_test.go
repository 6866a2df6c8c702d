package gpio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stapelberg/hmcentral/internal/gpio"
)

func TestConfigure(t *testing.T) {
	gpio.Root = t.TempDir()
	if err := os.Mkdir(filepath.Join(gpio.Root, "gpio18"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := gpio.Configure("18"); err != nil {
		t.Fatal(err)
	}
	for file, want := range map[string]string{
		"export":           "18",
		"gpio18/direction": "out",
	} {
		b, err := os.ReadFile(filepath.Join(gpio.Root, file))
		if err != nil {
			t.Fatal(err)
		}
		if got := string(b); got != want {
			t.Fatalf("unexpected content of %s: got %q, want %q", file, got, want)
		}
	}
}
