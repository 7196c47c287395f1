package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/chronos/internal/hash"
	"github.com/hupe1980/chronos/model"
)

const (
	headerMagic   = "CHRSEG01"
	headerVersion = 1

	// HeaderSize is the fixed size of a segment header.
	HeaderSize = 64
)

// Header is the fixed preamble of every segment file.
type Header struct {
	ID       model.SegmentID
	Seq      uint64 // creation order
	BaseTx   uint64 // log position of the append that created the segment
	Capacity int64
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], headerMagic)
	binary.LittleEndian.PutUint16(buf[8:], headerVersion)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[16:], h.Seq)
	binary.LittleEndian.PutUint64(buf[24:], h.BaseTx)
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.Capacity))
	binary.LittleEndian.PutUint32(buf[40:], hash.CRC32C(buf[:40]))
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidHeader, len(buf))
	}
	if string(buf[0:8]) != headerMagic {
		return h, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, buf[0:8])
	}
	if v := binary.LittleEndian.Uint16(buf[8:]); v != headerVersion {
		return h, fmt.Errorf("%w: version %d", ErrInvalidHeader, v)
	}
	if hash.CRC32C(buf[:40]) != binary.LittleEndian.Uint32(buf[40:]) {
		return h, fmt.Errorf("%w: checksum mismatch", ErrInvalidHeader)
	}
	h.ID = model.SegmentID(binary.LittleEndian.Uint32(buf[12:]))
	h.Seq = binary.LittleEndian.Uint64(buf[16:])
	h.BaseTx = binary.LittleEndian.Uint64(buf[24:])
	h.Capacity = int64(binary.LittleEndian.Uint64(buf[32:]))
	return h, nil
}
