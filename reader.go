package dbip

import (
	"bytes"
)

// binReader is a bounds-checked cursor over an immutable byte buffer. All
// offsets are absolute. Every other component reads through it.
type binReader struct {
	buf []byte
}

func (r binReader) len() int { return len(r.buf) }

func (r binReader) u8(off int) (byte, error) {
	if off < 0 || off >= len(r.buf) {
		return 0, &OutOfBoundsError{Offset: off, Need: 1, Size: len(r.buf)}
	}
	return r.buf[off], nil
}

func (r binReader) u16(off int) (uint64, error) {
	b, err := r.slice(off, 2)
	if err != nil {
		return 0, err
	}
	return uint64(b[0])<<8 | uint64(b[1]), nil
}

func (r binReader) u24(off int) (uint64, error) {
	b, err := r.slice(off, 3)
	if err != nil {
		return 0, err
	}
	return uint64(b[0])<<16 | uint64(b[1])<<8 | uint64(b[2]), nil
}

func (r binReader) u32(off int) (uint64, error) {
	b, err := r.slice(off, 4)
	if err != nil {
		return 0, err
	}
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3]), nil
}

// slice returns a view of n bytes at off. The view aliases the underlying
// buffer and must not be mutated.
func (r binReader) slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.buf) || off+n < off {
		return nil, &OutOfBoundsError{Offset: off, Need: n, Size: len(r.buf)}
	}
	return r.buf[off : off+n], nil
}

// --------------------------------------------------------------------

// Metadata holds the fields extracted from the trailing metadata map.
type Metadata struct {
	NodeCount    uint64 // number of nodes in the search tree
	RecordSize   uint64 // child pointer width in bits: 24, 28 or 32
	IPVersion    uint64 // 4 or 6
	MajorVersion uint64 // binary format major version
	BuildEpoch   uint64 // database build timestamp, Unix seconds
}

// nodeSize returns the byte size of one tree node.
func (m *Metadata) nodeSize() int { return int(m.RecordSize) * 2 / 8 }

// treeDepth returns the address width covered by the search tree.
func (m *Metadata) treeDepth() int {
	if m.IPVersion == 6 {
		return 128
	}
	return 32
}

// parseMetadata locates the metadata marker scanning from the end of the
// buffer, decodes the map that follows it and validates the fields the
// converter depends on. The returned offset is the position of the marker,
// i.e. the exclusive end of the data section.
func parseMetadata(buf []byte) (*Metadata, int, error) {
	start := bytes.LastIndex(buf, metadataMarker)
	if start < 0 {
		return nil, 0, ErrMissingMetadata
	}

	v, err := DecodeValue(buf[start+len(metadataMarker):], 0)
	if err != nil {
		return nil, 0, err
	}
	if v.Kind != KindMap {
		return nil, 0, &DecodeError{Offset: start + len(metadataMarker), Reason: "metadata is not a map"}
	}

	m := new(Metadata)
	fields := []struct {
		key      string
		dst      *uint64
		required bool
	}{
		{"node_count", &m.NodeCount, true},
		{"record_size", &m.RecordSize, true},
		{"ip_version", &m.IPVersion, true},
		{"binary_format_major_version", &m.MajorVersion, false},
		{"build_epoch", &m.BuildEpoch, false},
	}
	for _, f := range fields {
		fv, ok := v.Get(f.key)
		if !ok {
			if f.required {
				return nil, 0, &DecodeError{Offset: start, Reason: "metadata has no " + f.key + " field"}
			}
			continue
		}
		u, ok := fv.AsUint()
		if !ok {
			return nil, 0, &DecodeError{Offset: start, Reason: "metadata field " + f.key + " is not an unsigned integer"}
		}
		*f.dst = u
	}

	switch m.RecordSize {
	case 24, 28, 32:
	default:
		return nil, 0, &UnsupportedFormatError{Field: "record size", Value: m.RecordSize}
	}
	switch m.IPVersion {
	case 4, 6:
	default:
		return nil, 0, &UnsupportedFormatError{Field: "IP version", Value: m.IPVersion}
	}

	return m, start, nil
}
