// Package gpio configures and toggles GPIO pins using /sys/class/gpio.
package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Root is the sysfs GPIO directory. Tests point it elsewhere.
var Root = "/sys/class/gpio"

func write(name, value string) error {
	return os.WriteFile(filepath.Join(Root, name), []byte(value), 0644)
}

// Configure configures pin as an output GPIO pin.
func Configure(pin string) error {
	if err := write("export", pin); err != nil && !errors.Is(err, unix.EBUSY) {
		return err
	}
	// GPIO exports may have been configured already, either we ran
	// already or the user knows what they are doing. Set the direction
	// nevertheless:
	return write(filepath.Join("gpio"+pin, "direction"), "out")
}

// ResetUARTGW resets the UARTGW whose reset pin is connected to pin
// by holding the pin low for 150ms, flushing the pending UART data,
// then setting the pin high again.
func ResetUARTGW(pin string, uartfd uintptr) error {
	value := filepath.Join("gpio"+pin, "value")
	// Turn off device
	if err := write(value, "0"); err != nil {
		return err
	}
	time.Sleep(150 * time.Millisecond)

	// Flush all data in the input buffer
	if err := unix.IoctlSetInt(int(uartfd), unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fmt.Errorf("flushing UART: %w", err)
	}

	// Turn on device
	return write(value, "1")
}
