package hm

import (
	"encoding/binary"
	"fmt"
)

// EncodeCounters serializes the message counter table of a central:
// a 4 byte entry count followed by (4 byte address, 1 byte counter)
// entries, all big endian.
func EncodeCounters(counters map[int32]byte) []byte {
	b := make([]byte, 4, 4+5*len(counters))
	binary.BigEndian.PutUint32(b, uint32(len(counters)))
	for addr, cnt := range counters {
		b = binary.BigEndian.AppendUint32(b, uint32(addr))
		b = append(b, cnt)
	}
	return b
}

func DecodeCounters(b []byte) (map[int32]byte, error) {
	counters := make(map[int32]byte)
	if len(b) == 0 {
		return counters, nil
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("counter table: too short (%d bytes)", len(b))
	}
	n := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if got, want := len(b), 5*n; got != want {
		return nil, fmt.Errorf("counter table: got %d bytes, want %d for %d entries", got, want, n)
	}
	for i := 0; i < n; i++ {
		e := b[5*i:]
		counters[int32(binary.BigEndian.Uint32(e))] = e[4]
	}
	return counters, nil
}
