package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"

	"github.com/hupe1980/chronos/distance"
	ihash "github.com/hupe1980/chronos/internal/hash"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// Reader decodes a snapshot. The whole snapshot is read and its checksum
// verified before any section is returned. Sections must be read in order.
type Reader struct {
	compression Compression
	br          *bufio.Reader
	next        byte
	header      Header
	records     uint64
}

// NewReader reads and verifies a snapshot from r.
func NewReader(r io.Reader) (*Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewReaderBytes(data)
}

// NewReaderBytes verifies a snapshot held in memory. data must not be
// modified while the Reader is in use.
func NewReaderBytes(data []byte) (*Reader, error) {
	if len(data) < preambleSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFormatMismatch, len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrFormatMismatch)
	}
	if v := data[len(Magic)]; v != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrFormatMismatch, v, FormatVersion)
	}
	c := Compression(data[len(Magic)+1])
	if c > CompressionZSTD {
		return nil, fmt.Errorf("%w: compression %d", ErrFormatMismatch, uint8(c))
	}
	end := len(data) - trailerSize
	if got, want := ihash.CRC32C(data[:end]), binary.LittleEndian.Uint32(data[end:]); got != want {
		return nil, fmt.Errorf("%w: checksum %08x, want %08x", ErrCorrupt, got, want)
	}
	body := &blockReader{data: data[preambleSize:end], compression: c}
	return &Reader{
		compression: c,
		br:          bufio.NewReaderSize(body, 64<<10),
		next:        sectionHeader,
	}, nil
}

// Compression returns the body compression.
func (r *Reader) Compression() Compression { return r.compression }

func (r *Reader) section(tag byte) error {
	if tag != r.next {
		return fmt.Errorf("snapshot: section %d read out of order (want %d)", tag, r.next)
	}
	got, err := r.br.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: section %d: %v", ErrCorrupt, tag, err)
	}
	if got != tag {
		return fmt.Errorf("%w: section %d, want %d", ErrFormatMismatch, got, tag)
	}
	r.next++
	return nil
}

func (r *Reader) full(p []byte) error {
	if _, err := io.ReadFull(r.br, p); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// Header reads the header section.
func (r *Reader) Header() (Header, error) {
	if err := r.section(sectionHeader); err != nil {
		return Header{}, err
	}
	var b [8 + 2 + 1 + 4 + 4 + 4 + 8]byte
	if err := r.full(b[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Position:       binary.LittleEndian.Uint64(b[0:]),
		Dimension:      int(binary.LittleEndian.Uint16(b[8:])),
		M:              int(binary.LittleEndian.Uint32(b[11:])),
		EfConstruction: int(binary.LittleEndian.Uint32(b[15:])),
		EfSearch:       int(binary.LittleEndian.Uint32(b[19:])),
		Records:        binary.LittleEndian.Uint64(b[23:]),
	}
	h.Metric = distance.Metric(b[10])
	r.header = h
	return h, nil
}

// Records yields the key directory section. Iteration must run to the end
// before the next section is read.
func (r *Reader) Records() iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		if err := r.section(sectionKeydir); err != nil {
			yield(model.Record{}, err)
			return
		}
		var lenb [4]byte
		var body []byte
		for {
			if err := r.full(lenb[:]); err != nil {
				yield(model.Record{}, err)
				return
			}
			n := binary.LittleEndian.Uint32(lenb[:])
			if n == 0 {
				if r.records != r.header.Records {
					yield(model.Record{}, fmt.Errorf("%w: %d records, header says %d",
						ErrCorrupt, r.records, r.header.Records))
				}
				return
			}
			if n > 64<<20 {
				yield(model.Record{}, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, n))
				return
			}
			if cap(body) < int(n) {
				body = make([]byte, n)
			}
			body = body[:n]
			if err := r.full(body); err != nil {
				yield(model.Record{}, err)
				return
			}
			rec, _, err := segment.DecodeRecord(body)
			if err != nil {
				yield(model.Record{}, fmt.Errorf("%w: record %d: %v", ErrCorrupt, r.records, err))
				return
			}
			r.records++
			if !yield(rec, nil) {
				// Drain so the next section can be read.
				for {
					if err := r.full(lenb[:]); err != nil {
						return
					}
					n := binary.LittleEndian.Uint32(lenb[:])
					if n == 0 {
						return
					}
					if _, err := r.br.Discard(int(n)); err != nil {
						return
					}
				}
			}
		}
	}
}

// Index returns the index section.
func (r *Reader) Index() (io.Reader, error) {
	if err := r.section(sectionIndex); err != nil {
		return nil, err
	}
	var lb [8]byte
	if err := r.full(lb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lb[:])
	if n > 1<<40 {
		return nil, fmt.Errorf("%w: index section of %d bytes", ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if err := r.full(buf); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

// Layout reads the layout section.
func (r *Reader) Layout() (Layout, error) {
	var l Layout
	if err := r.section(sectionLayout); err != nil {
		return l, err
	}
	var b [8]byte
	if err := r.full(b[:8]); err != nil {
		return l, err
	}
	l.LiveFrom = model.SegmentID(binary.LittleEndian.Uint32(b[0:]))
	nseg := binary.LittleEndian.Uint32(b[4:])
	if nseg > 1<<24 {
		return l, fmt.Errorf("%w: %d segments", ErrCorrupt, nseg)
	}
	seg := make([]byte, 20)
	for range nseg {
		if err := r.full(seg); err != nil {
			return l, err
		}
		l.Segments = append(l.Segments, SegmentInfo{
			ID:     model.SegmentID(binary.LittleEndian.Uint32(seg[0:])),
			BaseTx: binary.LittleEndian.Uint64(seg[4:]),
			Size:   int64(binary.LittleEndian.Uint64(seg[12:])),
		})
	}

	if err := r.full(b[:]); err != nil {
		return l, err
	}
	nloc := binary.LittleEndian.Uint64(b[:])
	if nloc != r.header.Records {
		return l, fmt.Errorf("%w: %d locations for %d records", ErrCorrupt, nloc, r.header.Records)
	}
	l.Locations = make([]model.Location, 0, nloc)
	for range nloc {
		if err := r.full(b[:]); err != nil {
			return l, err
		}
		l.Locations = append(l.Locations, model.Location{
			Segment: model.SegmentID(binary.LittleEndian.Uint32(b[0:])),
			Offset:  binary.LittleEndian.Uint32(b[4:]),
		})
	}

	if err := r.full(b[:]); err != nil {
		return l, err
	}
	n := binary.LittleEndian.Uint64(b[:])
	if n > 1<<36 {
		return l, fmt.Errorf("%w: filters of %d bytes", ErrCorrupt, n)
	}
	l.Filters = make([]byte, n)
	if err := r.full(l.Filters); err != nil {
		return l, err
	}
	if _, err := r.br.ReadByte(); err != io.EOF {
		return l, fmt.Errorf("%w: trailing data after layout", ErrCorrupt)
	}
	return l, nil
}
