package uartgw

import "io"

const (
	frameDelimiter = 0xfd
	escapeByte     = 0xfc
)

// escape appends p to dst. 0xfd (frame delimiter) must be escaped
// within a frame, and 0xfc introduces an escaped byte, so bytes which
// happen to be 0xfc need to be escaped as well.
func escape(dst, p []byte) []byte {
	for _, b := range p {
		if b == frameDelimiter || b == escapeByte {
			dst = append(dst, escapeByte, b&0x7f)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

type unescapingReader struct {
	r io.ByteReader
}

func (u *unescapingReader) ReadByte() (byte, error) {
	b, err := u.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != escapeByte {
		return b, nil
	}
	// The escape state never spans calls: read the escaped byte now.
	b, err = u.r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b | 0x80, nil
}

func (u *unescapingReader) Read(p []byte) (n int, err error) {
	for n < len(p) {
		if p[n], err = u.ReadByte(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
