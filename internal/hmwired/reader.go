package hmwired

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sigurn/crc16"
)

// ErrChecksum is returned for frames whose checksum does not match. The
// reader stays usable.
var ErrChecksum = errors.New("hmwired: checksum mismatch")

// Reader decodes frames from a byte stream, skipping garbage between
// frames.
type Reader struct {
	r   *bufio.Reader
	esc *unescapingReader

	// Now is used to set Packet.Time. Defaults to time.Now.
	Now func() time.Time
}

func NewReader(r io.Reader) *Reader {
	br := bufio.NewReader(r)
	return &Reader{
		r:   br,
		esc: &unescapingReader{r: br},
		Now: time.Now,
	}
}

// ReadPacket returns the next frame.
func (r *Reader) ReadPacket() (*Packet, error) {
	for {
		start, err := r.r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch start {
		case DiscoveryResponse:
			return &Packet{Kind: KindDiscoveryResponse, Time: r.Now()}, nil
		case StartFrame, StartDiscovery:
		default:
			log.Debugf("skipping non-start byte %02x", start)
			continue
		}
		pkt, err := r.readFrame(start)
		if err == errStartByte {
			log.Debugf("truncated frame, resynchronizing")
			continue
		}
		if err != nil {
			return nil, err
		}
		return pkt, nil
	}
}

func (r *Reader) readN(n int) ([]byte, error) {
	b := make([]byte, n)
	for i := range b {
		var err error
		if b[i], err = r.esc.ReadByte(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (r *Reader) readFrame(start byte) (*Packet, error) {
	raw := []byte{start}
	header, err := r.readN(5)
	if err != nil {
		return nil, err
	}
	raw = append(raw, header...)
	pkt := &Packet{
		Dest:    binary.BigEndian.Uint32(header[0:4]),
		Control: header[4],
	}

	if start == StartDiscovery {
		pkt.Kind = KindDiscovery
	} else {
		pkt.Kind = KindFrame
		if pkt.Control&ControlSender != 0 {
			src, err := r.readN(4)
			if err != nil {
				return nil, err
			}
			raw = append(raw, src...)
			pkt.Source = binary.BigEndian.Uint32(src)
		}
		length, err := r.esc.ReadByte()
		if err != nil {
			return nil, err
		}
		if length < 2 {
			return nil, fmt.Errorf("hmwired: invalid frame length %d", length)
		}
		raw = append(raw, length)
		payload, err := r.readN(int(length) - 2)
		if err != nil {
			return nil, err
		}
		raw = append(raw, payload...)
		pkt.Payload = payload
	}

	sum, err := r.readN(2)
	if err != nil {
		return nil, err
	}
	if got, want := binary.BigEndian.Uint16(sum), crc16.Checksum(raw, Table); got != want {
		return nil, fmt.Errorf("%w: got %04x, want %04x", ErrChecksum, got, want)
	}
	pkt.Time = r.Now()
	return pkt, nil
}
