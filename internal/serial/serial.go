//go:build linux

// Package serial configures serial ports.
package serial

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var speeds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// Configure configures fd as a 8N1 serial port running at baud.
func Configure(fd uintptr, baud int) error {
	speed, ok := speeds[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	termios, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	if err != nil {
		return err
	}

	termios.Iflag = 0
	termios.Oflag = 0
	termios.Lflag = 0
	termios.Ispeed = speed
	termios.Ospeed = speed
	termios.Cflag = speed | unix.CS8 | unix.CREAD | unix.CLOCAL

	// Block on a zero read (instead of returning EOF)
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(int(fd), unix.TCSETS, termios)
}

// Open opens path without making it the controlling terminal and
// configures it. The returned file is still non-blocking so that a
// reset of the attached device can flush it; see Blocking.
func Open(path string, baud int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_EXCL|os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0600)
	if err != nil {
		return nil, err
	}
	if err := Configure(f.Fd(), baud); err != nil {
		f.Close()
		return nil, fmt.Errorf("configuring %s: %w", path, err)
	}
	return f, nil
}

// Blocking re-enables blocking syscalls, which are required by the Go
// standard library.
func Blocking(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), false)
}
