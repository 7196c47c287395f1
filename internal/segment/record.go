package segment

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/hupe1980/chronos/internal/hash"
	"github.com/hupe1980/chronos/model"
)

const (
	recordVersion = 1

	// FrameHeaderSize is the size of the length + checksum prefix.
	FrameHeaderSize = 8

	// recordFixedSize covers everything in a body except vector and payload.
	// [ver u8][flags u8][key 16][tx u64][validFrom u64][validTo u64]
	// [prevSeg u32][prevOff u32][dim u16] ... [payloadLen u32]
	recordFixedSize = 1 + 1 + 16 + 8 + 8 + 8 + 4 + 4 + 2 + 4
)

// Flags carry per-version bits that are not part of model.Record.
type Flags uint8

const (
	// FlagTombstone marks a delete version.
	FlagTombstone Flags = 1 << iota
	// FlagVectorChanged marks a version whose vector differs from its
	// predecessor, so replay must relink the index node.
	FlagVectorChanged
)

var errShortBody = errors.New("short record body")

// EncodedSize returns the body size of rec.
func EncodedSize(rec *model.Record) int {
	return recordFixedSize + 4*len(rec.Vector) + len(rec.Payload)
}

// EncodeRecord appends the body encoding of rec to dst.
func EncodeRecord(dst []byte, rec *model.Record, vectorChanged bool) []byte {
	var flags Flags
	if rec.Tombstone {
		flags |= FlagTombstone
	}
	if vectorChanged {
		flags |= FlagVectorChanged
	}

	dst = append(dst, recordVersion, byte(flags))
	dst = append(dst, rec.Key[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, rec.TxTime)
	dst = binary.LittleEndian.AppendUint64(dst, rec.ValidFrom)
	dst = binary.LittleEndian.AppendUint64(dst, rec.ValidTo)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(rec.Prev.Segment))
	dst = binary.LittleEndian.AppendUint32(dst, rec.Prev.Offset)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(rec.Vector)))
	for _, f := range rec.Vector {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Payload)))
	dst = append(dst, rec.Payload...)
	return dst
}

// DecodeRecord decodes a record body. Vector and payload are copied, so the
// result does not alias body.
func DecodeRecord(body []byte) (model.Record, Flags, error) {
	var rec model.Record
	if len(body) < recordFixedSize {
		return rec, 0, errShortBody
	}
	if body[0] != recordVersion {
		return rec, 0, errors.New("unknown record version")
	}
	flags := Flags(body[1])
	copy(rec.Key[:], body[2:18])
	rec.TxTime = binary.LittleEndian.Uint64(body[18:])
	rec.ValidFrom = binary.LittleEndian.Uint64(body[26:])
	rec.ValidTo = binary.LittleEndian.Uint64(body[34:])
	rec.Prev.Segment = model.SegmentID(binary.LittleEndian.Uint32(body[42:]))
	rec.Prev.Offset = binary.LittleEndian.Uint32(body[46:])
	dim := int(binary.LittleEndian.Uint16(body[50:]))
	rec.Tombstone = flags&FlagTombstone != 0

	off := 52
	if len(body) < off+4*dim+4 {
		return rec, 0, errShortBody
	}
	if dim > 0 {
		rec.Vector = make([]float32, dim)
		for i := range rec.Vector {
			rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			off += 4
		}
	}
	plen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if len(body) != off+plen {
		return rec, 0, errShortBody
	}
	if plen > 0 {
		rec.Payload = make([]byte, plen)
		copy(rec.Payload, body[off:])
	}
	return rec, flags, nil
}

// PeekKeyTx returns the key and tx time of an encoded body without decoding
// the vector and payload.
func PeekKeyTx(body []byte) (model.Key, uint64, bool) {
	var k model.Key
	if len(body) < recordFixedSize {
		return k, 0, false
	}
	copy(k[:], body[2:18])
	return k, binary.LittleEndian.Uint64(body[18:]), true
}

// appendFrame appends [len][crc][body] to dst.
func appendFrame(dst, body []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	crc := hash.UpdateCRC32C(hash.CRC32C(lenBuf[:]), body)
	dst = append(dst, lenBuf[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, crc)
	return append(dst, body...)
}

// checkFrame validates a frame header against its body.
func checkFrame(hdr, body []byte) bool {
	want := binary.LittleEndian.Uint32(hdr[4:8])
	return hash.UpdateCRC32C(hash.CRC32C(hdr[0:4]), body) == want
}
