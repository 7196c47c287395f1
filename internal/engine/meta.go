package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/hash"
	"github.com/hupe1980/chronos/model"
)

const (
	metaFile     = "meta"
	snapshotFile = "snapshot.bin"
	segmentsDir  = "segments"

	metaMagic   = "CHRMETA1"
	metaVersion = 1
	metaSize    = len(metaMagic) + 1 + 8 + 8 + 4 + 4
)

// meta is the small durable state file written next to the checkpoint.
//
//	magic | version u8 | lastApplied u64 | snapshotPos u64 | liveFrom u32 | crc32c u32
type meta struct {
	LastApplied uint64
	SnapshotPos uint64
	LiveFrom    model.SegmentID
}

func (m meta) marshal() []byte {
	b := make([]byte, 0, metaSize)
	b = append(b, metaMagic...)
	b = append(b, metaVersion)
	b = binary.LittleEndian.AppendUint64(b, m.LastApplied)
	b = binary.LittleEndian.AppendUint64(b, m.SnapshotPos)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.LiveFrom))
	return binary.LittleEndian.AppendUint32(b, hash.CRC32C(b))
}

func unmarshalMeta(b []byte) (meta, error) {
	if len(b) != metaSize || string(b[:len(metaMagic)]) != metaMagic {
		return meta{}, errors.New("bad meta header")
	}
	if b[len(metaMagic)] != metaVersion {
		return meta{}, fmt.Errorf("meta version %d", b[len(metaMagic)])
	}
	end := metaSize - 4
	if hash.CRC32C(b[:end]) != binary.LittleEndian.Uint32(b[end:]) {
		return meta{}, errors.New("meta checksum mismatch")
	}
	p := b[len(metaMagic)+1:]
	return meta{
		LastApplied: binary.LittleEndian.Uint64(p[0:]),
		SnapshotPos: binary.LittleEndian.Uint64(p[8:]),
		LiveFrom:    model.SegmentID(binary.LittleEndian.Uint32(p[16:])),
	}, nil
}

// readMeta returns the persisted meta, or the zero value when none exists.
func readMeta(fsys fs.FileSystem, dir string) (meta, error) {
	b, err := fs.ReadFile(fsys, filepath.Join(dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return meta{}, nil
	}
	if err != nil {
		return meta{}, fmt.Errorf("%w: read meta: %v", ErrStorageIO, err)
	}
	m, err := unmarshalMeta(b)
	if err != nil {
		return meta{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return m, nil
}

func writeMeta(fsys fs.FileSystem, dir string, m meta) error {
	if err := fs.WriteFileAtomic(fsys, filepath.Join(dir, metaFile), m.marshal()); err != nil {
		return fmt.Errorf("%w: write meta: %v", ErrStorageIO, err)
	}
	return nil
}
