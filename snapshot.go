package dbip

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// maxEntrySize is the worst-case encoded size of one snapshot entry.
const maxEntrySize = 4*binary.MaxVarintLen64 + 2

// snapshotBlock describes one entry block within a snapshot.
type snapshotBlock struct {
	FirstHi uint64 // start address of the first entry in the block
	FirstLo uint64
	Offset  int64 // block offset position
}

// SnapshotOptions define snapshot writer specific options.
type SnapshotOptions struct {
	// BlockSize is the minimum uncompressed size in bytes of each block.
	// Default: 4KiB.
	BlockSize int

	// The compression codec to use.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *SnapshotOptions) norm() *SnapshotOptions {
	var oo SnapshotOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}

	return &oo
}

// SnapshotWriter serializes a range table into the binary snapshot format.
// Entries must be appended in ascending, non-overlapping order.
type SnapshotWriter struct {
	w io.Writer
	o *SnapshotOptions

	block snapshotBlock // the current block info
	blen  int           // the number of entries in the current block

	prevHi, prevLo uint64 // previous start within the block, for delta encoding
	lastHi, lastLo uint64 // end of the last appended range
	hasLast        bool

	buf []byte // plain buffer
	snp []byte // snappy buffer
	tmp []byte // scratch buffer

	index []snapshotBlock
}

// NewSnapshotWriter wraps a writer and returns a SnapshotWriter.
func NewSnapshotWriter(w io.Writer, o *SnapshotOptions) *SnapshotWriter {
	return &SnapshotWriter{
		w:   w,
		o:   o.norm(),
		tmp: make([]byte, 4*binary.MaxVarintLen64),
	}
}

// Append appends a range to the snapshot.
func (w *SnapshotWriter) Append(r Range) error {
	if w.tmp == nil {
		return errClosed
	}
	if len(r.Code) != 2 {
		return fmt.Errorf("dbip: country code %q is not two characters", r.Code)
	}
	if cmp128(r.StartHi, r.StartLo, r.EndHi, r.EndLo) > 0 {
		return fmt.Errorf("dbip: range start %s is after its end %s", r.Start(), r.End())
	}
	if w.hasLast && cmp128(r.StartHi, r.StartLo, w.lastHi, w.lastLo) <= 0 {
		return fmt.Errorf("dbip: attempted an out-of-order append, %s must be > %s",
			r.Start(), addrFrom128(w.lastHi, w.lastLo))
	}

	if len(w.buf) != 0 && len(w.buf)+maxEntrySize > w.o.BlockSize {
		if err := w.flush(); err != nil {
			return err
		}
	}

	if len(w.buf) == 0 { // new block?
		w.block.FirstHi, w.block.FirstLo = r.StartHi, r.StartLo
		w.prevHi, w.prevLo = 0, 0
	}

	dHi, dLo := sub128(r.StartHi, r.StartLo, w.prevHi, w.prevLo)
	sHi, sLo := sub128(r.EndHi, r.EndLo, r.StartHi, r.StartLo)

	n := binary.PutUvarint(w.tmp[0:], dHi)
	n += binary.PutUvarint(w.tmp[n:], dLo)
	n += binary.PutUvarint(w.tmp[n:], sHi)
	n += binary.PutUvarint(w.tmp[n:], sLo)
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, r.Code[0], r.Code[1])

	w.blen++
	w.prevHi, w.prevLo = r.StartHi, r.StartLo
	w.lastHi, w.lastLo = r.EndHi, r.EndLo
	w.hasLast = true

	return nil
}

// Close flushes the last block and writes the index and footer.
func (w *SnapshotWriter) Close() error {
	if w.tmp == nil {
		return errClosed
	}
	if err := w.flush(); err != nil {
		return err
	}

	indexOffset := w.block.Offset
	if err := w.writeIndex(); err != nil {
		return err
	}

	if err := w.writeFooter(indexOffset); err != nil {
		return err
	}
	w.tmp = nil
	return nil
}

func (w *SnapshotWriter) writeIndex() error {
	var prev snapshotBlock

	for i, ent := range w.index {
		hi, lo := ent.FirstHi, ent.FirstLo
		off := ent.Offset
		if i != 0 { // delta-encode
			hi, lo = sub128(hi, lo, prev.FirstHi, prev.FirstLo)
			off -= prev.Offset
		}
		prev = ent

		n := binary.PutUvarint(w.tmp[0:], hi)
		n += binary.PutUvarint(w.tmp[n:], lo)
		n += binary.PutUvarint(w.tmp[n:], uint64(off))

		if err := w.writeRaw(w.tmp[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (w *SnapshotWriter) writeFooter(indexOffset int64) error {
	binary.LittleEndian.PutUint64(w.tmp[0:], uint64(indexOffset))
	if err := w.writeRaw(w.tmp[:8]); err != nil {
		return err
	}
	return w.writeRaw(snapshotMagic)
}

func (w *SnapshotWriter) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.block.Offset += int64(n)
	return err
}

func (w *SnapshotWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}

	var block []byte
	switch w.o.Compression {
	case SnappyCompression:
		w.snp = snappy.Encode(w.snp[:cap(w.snp)], w.buf)
		if len(w.snp) < len(w.buf)-len(w.buf)/4 {
			block = append(w.snp, blockSnappyCompression)
		} else {
			block = append(w.buf, blockNoCompression)
		}
	default:
		block = append(w.buf, blockNoCompression)
	}

	w.index = append(w.index, w.block)
	w.buf = w.buf[:0]
	w.blen = 0

	return w.writeRaw(block)
}

// WriteSnapshot serializes a whole table with default options.
func WriteSnapshot(w io.Writer, t Table) error {
	sw := NewSnapshotWriter(w, nil)
	for _, r := range t {
		if err := sw.Append(r); err != nil {
			return err
		}
	}
	return sw.Close()
}

// --------------------------------------------------------------------

// ReadSnapshot restores a table from a snapshot. The result is re-verified
// against the table invariants, so a corrupted snapshot cannot smuggle an
// out-of-order or overlapping table into a lookup path.
func ReadSnapshot(r io.ReaderAt, size int64) (Table, error) {
	if size < 16 {
		return nil, errBadMagic
	}

	// read and parse the footer
	footer := make([]byte, 16)
	footerOffset := size - 16
	if _, err := r.ReadAt(footer, footerOffset); err != nil {
		return nil, err
	}
	if string(footer[8:]) != string(snapshotMagic) {
		return nil, errBadMagic
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[:8]))
	if indexOffset < 0 || indexOffset > footerOffset {
		return nil, errBadMagic
	}

	// read the block index
	blocks, err := readSnapshotIndex(r, indexOffset, footerOffset)
	if err != nil {
		return nil, err
	}

	var ranges []Range
	for i, blk := range blocks {
		end := indexOffset
		if i+1 < len(blocks) {
			end = blocks[i+1].Offset
		}
		if blk.Offset < 0 || blk.Offset >= end {
			return nil, &DecodeError{Offset: int(blk.Offset), Reason: "snapshot block offsets are not ascending"}
		}

		raw := make([]byte, end-blk.Offset)
		if _, err := r.ReadAt(raw, blk.Offset); err != nil {
			return nil, err
		}

		var block []byte
		switch cPos := len(raw) - 1; raw[cPos] {
		case blockNoCompression:
			block = raw[:cPos]
		case blockSnappyCompression:
			if block, err = snappy.Decode(nil, raw[:cPos]); err != nil {
				return nil, err
			}
		default:
			return nil, errBadCompression
		}

		if ranges, err = decodeSnapshotBlock(ranges, block, int(blk.Offset)); err != nil {
			return nil, err
		}
	}

	// BuildTable re-checks ordering and overlap; entries written by the
	// snapshot writer are never mergeable, so the table round-trips as is.
	return BuildTable(ranges)
}

func readSnapshotIndex(r io.ReaderAt, indexOffset, footerOffset int64) ([]snapshotBlock, error) {
	raw := make([]byte, footerOffset-indexOffset)
	if _, err := r.ReadAt(raw, indexOffset); err != nil {
		return nil, err
	}

	var blocks []snapshotBlock
	var info snapshotBlock
	for pos := 0; pos < len(raw); {
		dHi, n1 := binary.Uvarint(raw[pos:])
		if n1 <= 0 {
			return nil, &DecodeError{Offset: int(indexOffset) + pos, Reason: "truncated snapshot index entry"}
		}
		dLo, n2 := binary.Uvarint(raw[pos+n1:])
		if n2 <= 0 {
			return nil, &DecodeError{Offset: int(indexOffset) + pos, Reason: "truncated snapshot index entry"}
		}
		dOff, n3 := binary.Uvarint(raw[pos+n1+n2:])
		if n3 <= 0 {
			return nil, &DecodeError{Offset: int(indexOffset) + pos, Reason: "truncated snapshot index entry"}
		}
		pos += n1 + n2 + n3

		info.FirstHi, info.FirstLo = add128(info.FirstHi, info.FirstLo, dHi, dLo)
		info.Offset += int64(dOff)
		blocks = append(blocks, info)
	}
	return blocks, nil
}

func decodeSnapshotBlock(ranges []Range, block []byte, blockOffset int) ([]Range, error) {
	var prevHi, prevLo uint64
	for pos := 0; pos < len(block); {
		dHi, n1 := binary.Uvarint(block[pos:])
		if n1 <= 0 {
			return nil, &DecodeError{Offset: blockOffset + pos, Reason: "truncated snapshot entry"}
		}
		dLo, n2 := binary.Uvarint(block[pos+n1:])
		if n2 <= 0 {
			return nil, &DecodeError{Offset: blockOffset + pos, Reason: "truncated snapshot entry"}
		}
		sHi, n3 := binary.Uvarint(block[pos+n1+n2:])
		if n3 <= 0 {
			return nil, &DecodeError{Offset: blockOffset + pos, Reason: "truncated snapshot entry"}
		}
		sLo, n4 := binary.Uvarint(block[pos+n1+n2+n3:])
		if n4 <= 0 {
			return nil, &DecodeError{Offset: blockOffset + pos, Reason: "truncated snapshot entry"}
		}
		pos += n1 + n2 + n3 + n4
		if pos+2 > len(block) {
			return nil, &DecodeError{Offset: blockOffset + pos, Reason: "truncated snapshot entry code"}
		}
		code := string(block[pos : pos+2])
		pos += 2

		startHi, startLo := add128(prevHi, prevLo, dHi, dLo)
		endHi, endLo := add128(startHi, startLo, sHi, sLo)
		ranges = append(ranges, Range{
			StartHi: startHi, StartLo: startLo,
			EndHi: endHi, EndLo: endLo,
			Code: code,
		})
		prevHi, prevLo = startHi, startLo
	}
	return ranges, nil
}
