package wired

import (
	"encoding/hex"
	"testing"

	"github.com/stapelberg/hmcentral/internal/hm"
)

func TestNextBranch(t *testing.T) {
	for _, tt := range []struct {
		addr     uint32
		mask     int
		wantAddr uint32
		wantMask int
		wantOK   bool
	}{
		{0x00000000, 0, 0x80000000, 0, true},
		{0x80000000, 0, 0, 0, false},
		{0x00000000, 31, 0x00000001, 31, true},
		{0x00000001, 31, 0x00000002, 30, true},
		{0x0000abcd, 31, 0x0000abce, 30, true},
		{0x7fffffff, 31, 0x80000000, 0, true},
		{0xffffffff, 31, 0, 0, false},
		{0x40000000, 1, 0x80000000, 0, true},
	} {
		addr, mask, ok := nextBranch(tt.addr, tt.mask)
		if ok != tt.wantOK || addr != tt.wantAddr || mask != tt.wantMask {
			t.Errorf("nextBranch(%08x, %d) = (%08x, %d, %v), want (%08x, %d, %v)",
				tt.addr, tt.mask, addr, mask, ok, tt.wantAddr, tt.wantMask, tt.wantOK)
		}
	}
}

func TestEEPROMWrites(t *testing.T) {
	var mem []hm.MemoryByte
	for i := uint16(0); i < 20; i++ {
		mem = append(mem, hm.MemoryByte{Index: 0x10 + i, Value: byte(i)})
	}
	mem = append(mem, hm.MemoryByte{Index: 0x40, Value: 0xff})

	writes := eepromWrites(mem)
	if got, want := len(writes), 3; got != want {
		t.Fatalf("unexpected number of writes: got %d, want %d", got, want)
	}
	for i, want := range []string{
		"57001010000102030405060708090a0b0c0d0e0f",
		"5700200410111213",
		"57004001ff",
	} {
		if got := hex.EncodeToString(writes[i]); got != want {
			t.Errorf("write %d: got %s, want %s", i, got, want)
		}
	}
}
