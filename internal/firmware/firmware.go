// Package firmware reads BidCoS firmware images.
//
// An image is stored as hex text in <dir>/0000.<type id>.fw, with the
// version in an optional <dir>/0000.<type id>.version next to it. The
// decoded image is a sequence of blocks, each starting with its length
// as a big-endian uint16.
package firmware

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ChunkSize is the maximum payload of a firmware packet.
const ChunkSize = 35

var ErrNotFound = errors.New("firmware: no image for device type")

type Image struct {
	Version    byte
	HasVersion bool

	// Blocks include their 2 byte length prefix.
	Blocks [][]byte
}

func filename(dir string, typeID uint16, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("0000.%08X.%s", typeID, ext))
}

// Load reads the image for devices of typeID from dir.
func Load(dir string, typeID uint16) (*Image, error) {
	b, err := os.ReadFile(filename(dir, typeID, "fw"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w 0x%04x", ErrNotFound, typeID)
		}
		return nil, err
	}
	data, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("decoding firmware file: %w", err)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if v, err := os.ReadFile(filename(dir, typeID, "version")); err == nil {
		version, err := strconv.ParseUint(strings.TrimSpace(string(v)), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("parsing firmware version: %w", err)
		}
		img.Version = byte(version)
		img.HasVersion = true
	}
	return img, nil
}

// Parse splits a decoded image into its blocks.
func Parse(data []byte) (*Image, error) {
	img := &Image{}
	for pos := 0; pos < len(data); {
		if len(data)-pos < 2 {
			return nil, fmt.Errorf("truncated block header at offset %d", pos)
		}
		length := int(binary.BigEndian.Uint16(data[pos:]))
		if length == 0 {
			return nil, fmt.Errorf("empty block at offset %d", pos)
		}
		end := pos + 2 + length
		if end > len(data) {
			return nil, fmt.Errorf("block at offset %d: length %d exceeds image", pos, length)
		}
		img.Blocks = append(img.Blocks, data[pos:end])
		pos = end
	}
	if len(img.Blocks) == 0 {
		return nil, errors.New("firmware image is empty")
	}
	return img, nil
}

// Chunks splits block into packet payloads of at most ChunkSize bytes.
func Chunks(block []byte) [][]byte {
	var chunks [][]byte
	for len(block) > ChunkSize {
		chunks = append(chunks, block[:ChunkSize])
		block = block[ChunkSize:]
	}
	return append(chunks, block)
}
