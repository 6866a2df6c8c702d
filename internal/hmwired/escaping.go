package hmwired

import (
	"bufio"
	"errors"
)

// needsEscape reports whether b would be mistaken for a start byte or an
// escape within a frame.
func needsEscape(b byte) bool {
	return b == StartFrame || b == StartDiscovery || b == DiscoveryResponse || b == escape
}

func escapeBytes(p []byte) []byte {
	// Twice as long: in the worst case, every byte needs to be escaped.
	escaped := make([]byte, 0, len(p)*2)
	for _, b := range p {
		if needsEscape(b) {
			escaped = append(escaped, escape, b&0x7f)
		} else {
			escaped = append(escaped, b)
		}
	}
	return escaped
}

// errStartByte is returned when a start byte interrupts a frame. The
// start byte is left unread.
var errStartByte = errors.New("hmwired: frame interrupted by start byte")

// unescapingReader returns the unescaped bytes of a frame.
type unescapingReader struct {
	r *bufio.Reader
}

func (ur *unescapingReader) ReadByte() (byte, error) {
	b, err := ur.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b == escape {
		next, err := ur.r.ReadByte()
		if err != nil {
			return 0, err
		}
		return next | 0x80, nil
	}
	if needsEscape(b) {
		if err := ur.r.UnreadByte(); err != nil {
			return 0, err
		}
		return 0, errStartByte
	}
	return b, nil
}
