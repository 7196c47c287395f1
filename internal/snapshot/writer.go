package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"

	ihash "github.com/hupe1980/chronos/internal/hash"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// Writer encodes a snapshot. Sections must be written in order:
// WriteHeader, WriteRecords, WriteIndex, WriteLayout, then Close.
type Writer struct {
	dst   io.Writer
	crc   hash.Hash32
	raw   *countWriter
	block *blockWriter
	bw    *bufio.Writer
	next  byte
	n     uint64
	err   error
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewWriter starts a snapshot on w.
func NewWriter(w io.Writer, c Compression) (*Writer, error) {
	if c > CompressionZSTD {
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
	crc := ihash.NewCRC32C()
	raw := &countWriter{w: io.MultiWriter(w, crc)}
	pre := append([]byte(Magic), FormatVersion, byte(c))
	if _, err := raw.Write(pre); err != nil {
		return nil, err
	}
	block := newBlockWriter(raw, c)
	return &Writer{
		dst:   w,
		crc:   crc,
		raw:   raw,
		block: block,
		bw:    bufio.NewWriterSize(block, 64<<10),
		next:  sectionHeader,
	}, nil
}

func (w *Writer) section(tag byte) error {
	if w.err != nil {
		return w.err
	}
	if tag != w.next {
		w.err = fmt.Errorf("snapshot: section %d written out of order (want %d)", tag, w.next)
		return w.err
	}
	w.next++
	return w.bw.WriteByte(tag)
}

func (w *Writer) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	_, w.err = w.bw.Write(p)
	return w.err
}

// WriteHeader writes the header section.
func (w *Writer) WriteHeader(h Header) error {
	if err := w.section(sectionHeader); err != nil {
		return err
	}
	b := binary.LittleEndian.AppendUint64(nil, h.Position)
	b = binary.LittleEndian.AppendUint16(b, uint16(h.Dimension))
	b = append(b, byte(h.Metric))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.M))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.EfConstruction))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.EfSearch))
	b = binary.LittleEndian.AppendUint64(b, h.Records)
	return w.write(b)
}

// WriteRecords writes the key directory section: the latest version of
// every key, in key order, with Prev cleared. Records must arrive sorted.
func (w *Writer) WriteRecords(recs iter.Seq2[model.Record, error]) error {
	if err := w.section(sectionKeydir); err != nil {
		return err
	}
	var (
		body []byte
		prev model.Key
		lenb [4]byte
	)
	for rec, err := range recs {
		if err != nil {
			w.err = err
			return err
		}
		if w.n > 0 && bytes.Compare(rec.Key[:], prev[:]) <= 0 {
			w.err = errors.New("snapshot: records not in key order")
			return w.err
		}
		prev = rec.Key
		rec.Prev = model.Location{}
		rec.ValidTo = model.OpenEnd
		body = segment.EncodeRecord(body[:0], &rec, false)
		binary.LittleEndian.PutUint32(lenb[:], uint32(len(body)))
		if err := w.write(lenb[:]); err != nil {
			return err
		}
		if err := w.write(body); err != nil {
			return err
		}
		w.n++
	}
	binary.LittleEndian.PutUint32(lenb[:], 0)
	return w.write(lenb[:])
}

// Records returns the number of records written so far.
func (w *Writer) Records() uint64 { return w.n }

// WriteIndex writes the index section.
func (w *Writer) WriteIndex(index io.WriterTo) error {
	if err := w.section(sectionIndex); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := index.WriteTo(&buf); err != nil {
		w.err = err
		return err
	}
	if err := w.write(binary.LittleEndian.AppendUint64(nil, uint64(buf.Len()))); err != nil {
		return err
	}
	return w.write(buf.Bytes())
}

// WriteLayout writes the layout section.
func (w *Writer) WriteLayout(l Layout) error {
	if err := w.section(sectionLayout); err != nil {
		return err
	}
	if uint64(len(l.Locations)) != w.n {
		w.err = fmt.Errorf("snapshot: %d locations for %d records", len(l.Locations), w.n)
		return w.err
	}
	b := binary.LittleEndian.AppendUint32(nil, uint32(l.LiveFrom))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(l.Segments)))
	for _, s := range l.Segments {
		b = binary.LittleEndian.AppendUint32(b, uint32(s.ID))
		b = binary.LittleEndian.AppendUint64(b, s.BaseTx)
		b = binary.LittleEndian.AppendUint64(b, uint64(s.Size))
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(len(l.Locations)))
	for _, loc := range l.Locations {
		b = binary.LittleEndian.AppendUint32(b, uint32(loc.Segment))
		b = binary.LittleEndian.AppendUint32(b, loc.Offset)
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(len(l.Filters)))
	b = append(b, l.Filters...)
	return w.write(b)
}

// Close finishes the body and writes the checksum trailer. It returns the
// total number of bytes written.
func (w *Writer) Close() (int64, error) {
	if w.err != nil {
		return w.raw.n, w.err
	}
	if w.next != sectionLayout+1 {
		w.err = errors.New("snapshot: closed before all sections were written")
		return w.raw.n, w.err
	}
	if err := w.bw.Flush(); err != nil {
		w.err = err
		return w.raw.n, err
	}
	if err := w.block.Close(); err != nil {
		w.err = err
		return w.raw.n, err
	}
	trailer := binary.LittleEndian.AppendUint32(nil, w.crc.Sum32())
	n, err := w.dst.Write(trailer)
	w.err = errors.New("snapshot: writer closed")
	return w.raw.n + int64(n), err
}
