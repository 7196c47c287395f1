package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/mmap"
	"github.com/hupe1980/chronos/model"
)

const filePrefix, fileSuffix = "seg-", ".log"

// FileName returns the file name of segment id.
func FileName(id model.SegmentID) string {
	return fmt.Sprintf("%s%08d%s", filePrefix, id, fileSuffix)
}

func parseFileName(name string) (model.SegmentID, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return model.SegmentID(n), true
}

// segment is one segment file. Only the store's writer mutates it; readers
// rely on size being published after the bytes are written.
type segment struct {
	header Header
	path   string
	file   fs.File

	size    atomic.Int64
	mapping atomic.Pointer[mmap.Mapping]
}

func (s *segment) sealed() bool {
	return s.mapping.Load() != nil
}

// seal maps the segment read-only. The caller has synced the file.
func (s *segment) seal() error {
	m, err := mmap.Open(s.path)
	if err != nil {
		return err
	}
	if int64(m.Size()) < s.size.Load() {
		_ = m.Close()
		return fmt.Errorf("segment %d: mapping shorter than written size", s.header.ID)
	}
	_ = m.Advise(mmap.AccessRandom)
	s.mapping.Store(m)
	return nil
}

func (s *segment) close() error {
	var errs []error
	if m := s.mapping.Load(); m != nil {
		errs = append(errs, m.Close())
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
	}
	return errors.Join(errs...)
}

// frameAt returns the verified body of the frame at off.
func (s *segment) frameAt(off uint32) ([]byte, error) {
	loc := model.Location{Segment: s.header.ID, Offset: off}
	size := s.size.Load()
	if int64(off) < HeaderSize || int64(off)+FrameHeaderSize > size {
		return nil, corrupt(loc, "offset beyond segment end %d", size)
	}

	var hdr []byte
	if m := s.mapping.Load(); m != nil {
		b, err := m.Slice(int64(off), FrameHeaderSize)
		if err != nil {
			return nil, corrupt(loc, "%v", err)
		}
		hdr = b
	} else {
		var buf [FrameHeaderSize]byte
		if _, err := s.file.ReadAt(buf[:], int64(off)); err != nil {
			return nil, fmt.Errorf("%w: read frame header: %v", ErrStorageIO, err)
		}
		hdr = buf[:]
	}

	n := int64(binary.LittleEndian.Uint32(hdr[0:4]))
	if n == 0 || int64(off)+FrameHeaderSize+n > size {
		return nil, corrupt(loc, "frame length %d out of range", n)
	}

	var body []byte
	if m := s.mapping.Load(); m != nil {
		b, err := m.Slice(int64(off)+FrameHeaderSize, int(n))
		if err != nil {
			return nil, corrupt(loc, "%v", err)
		}
		body = b
	} else {
		body = make([]byte, n)
		if _, err := s.file.ReadAt(body, int64(off)+FrameHeaderSize); err != nil {
			return nil, fmt.Errorf("%w: read frame body: %v", ErrStorageIO, err)
		}
	}

	if !checkFrame(hdr, body) {
		return nil, corrupt(loc, "checksum mismatch")
	}
	return body, nil
}

// frameVisitor is called for every valid frame during a scan.
type frameVisitor func(off uint32, body []byte) error

// scanFrames walks frames from HeaderSize up to end. It stops at the first
// frame that does not validate and returns the offset of the end of the last
// good frame. A visitor error aborts the scan and is returned as is.
func scanFrames(r io.ReaderAt, end int64, maxBody int64, visit frameVisitor) (int64, error) {
	off := int64(HeaderSize)
	br := bufio.NewReaderSize(io.NewSectionReader(r, off, end-off), 1<<20)
	var hdr [FrameHeaderSize]byte
	var body []byte

	for off < end {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return off, nil
		}
		n := int64(binary.LittleEndian.Uint32(hdr[0:4]))
		if n == 0 || n > maxBody || off+FrameHeaderSize+n > end {
			return off, nil
		}
		if int64(cap(body)) < n {
			body = make([]byte, n)
		}
		body = body[:n]
		if _, err := io.ReadFull(br, body); err != nil {
			return off, nil
		}
		if !checkFrame(hdr[:], body) {
			return off, nil
		}
		if visit != nil {
			if err := visit(uint32(off), body); err != nil {
				return off, err
			}
		}
		off += FrameHeaderSize + n
	}
	return off, nil
}

// createSegment creates and syncs a new segment file with its header.
func createSegment(fsys fs.FileSystem, dir string, h Header) (*segment, error) {
	path := filepath.Join(dir, FileName(h.ID))
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment %d: %v", ErrStorageIO, h.ID, err)
	}
	if _, err := f.Write(h.marshal()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: write segment header: %v", ErrStorageIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: sync segment header: %v", ErrStorageIO, err)
	}
	if err := fs.SyncDir(dir); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: sync segment dir: %v", ErrStorageIO, err)
	}
	s := &segment{header: h, path: path, file: f}
	s.size.Store(HeaderSize)
	return s, nil
}

// openSegment opens an existing segment file and validates its header.
func openSegment(fsys fs.FileSystem, dir string, id model.SegmentID, flag int) (*segment, error) {
	path := filepath.Join(dir, FileName(id))
	f, err := fsys.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %d: %v", ErrStorageIO, id, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat segment %d: %v", ErrStorageIO, id, err)
	}
	buf := make([]byte, HeaderSize)
	if st.Size() >= HeaderSize {
		if _, err := f.ReadAt(buf, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: read segment header %d: %v", ErrStorageIO, id, err)
		}
	}
	h, err := unmarshalHeader(buf[:min(int64(HeaderSize), st.Size())])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}
	if h.ID != id {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file %s holds segment %d", ErrInvalidHeader, FileName(id), h.ID)
	}
	s := &segment{header: h, path: path, file: f}
	s.size.Store(st.Size())
	return s, nil
}
