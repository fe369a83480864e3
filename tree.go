package dbip

import "fmt"

// Convert parses a raw country-lite database buffer and collapses its search
// tree into the final range table. The buffer is never mutated. Any
// malformation aborts the whole conversion; there is no partial result.
func Convert(buf []byte) (Table, *Metadata, error) {
	meta, markerStart, err := parseMetadata(buf)
	if err != nil {
		return nil, nil, err
	}

	// Bound node_count before multiplying; a huge declared count must fail
	// cleanly, not overflow into a bad slice bound.
	if meta.NodeCount > uint64(markerStart)/uint64(meta.nodeSize()) {
		return nil, nil, &DecodeError{
			Offset: markerStart,
			Reason: fmt.Sprintf("node count %d does not fit the %d-byte buffer", meta.NodeCount, len(buf)),
		}
	}
	treeSize := int(meta.NodeCount) * meta.nodeSize()
	if treeSize+dataSectionSeparatorSize > markerStart {
		return nil, nil, &DecodeError{Offset: treeSize, Reason: "search tree extends past the data section"}
	}

	t := &tree{
		r:        binReader{buf: buf[:treeSize]},
		meta:     meta,
		nodeSize: meta.nodeSize(),
		data:     &dataDecoder{r: binReader{buf: buf[treeSize+dataSectionSeparatorSize : markerStart]}},
	}

	var ranges []Range
	if meta.NodeCount > 0 {
		err = t.walk(0, 0, baseLo(meta), 0, func(r Range) {
			ranges = append(ranges, r)
		})
		if err != nil {
			return nil, nil, err
		}
	}

	table, err := BuildTable(ranges)
	if err != nil {
		return nil, nil, err
	}
	return table, meta, nil
}

// baseLo returns the low 64 bits of the address-space origin for the tree.
// IPv4 trees are placed into the IPv4-mapped block ::ffff:0:0/96.
func baseLo(m *Metadata) uint64 {
	if m.IPVersion == 4 {
		return 0x0000ffff00000000
	}
	return 0
}

// tree reads the search tree region of a database.
type tree struct {
	r        binReader // the tree region only
	meta     *Metadata
	nodeSize int
	data     *dataDecoder
}

// readNode extracts the left (bit 0) or right (bit 1) child field of the
// node at index node. Record sizes 24 and 32 pack each child into whole
// bytes; 28 splits the middle byte into one nibble per child.
func (t *tree) readNode(node uint64, bit int) (uint64, error) {
	base := int(node) * t.nodeSize
	switch t.meta.RecordSize {
	case 24:
		return t.r.u24(base + bit*3)
	case 28:
		mid, err := t.r.u8(base + 3)
		if err != nil {
			return 0, err
		}
		if bit == 0 {
			v, err := t.r.u24(base)
			if err != nil {
				return 0, err
			}
			return uint64(mid&0xF0)<<20 | v, nil
		}
		v, err := t.r.u24(base + 4)
		if err != nil {
			return 0, err
		}
		return uint64(mid&0x0F)<<24 | v, nil
	default: // 32
		return t.r.u32(base + bit*4)
	}
}

// walk enumerates every covered range below node, bit-0 subtree first, so
// ranges are produced in ascending address order. node sits at depth bits
// from the root; hi/lo carry the accumulated 128-bit prefix.
func (t *tree) walk(node, hi, lo uint64, depth int, emit func(Range)) error {
	width := t.meta.treeDepth()
	for bit := 0; bit <= 1; bit++ {
		chHi, chLo := hi, lo
		if bit == 1 {
			idx := 128 - width + depth // bit position from the MSB
			if idx < 64 {
				chHi |= 1 << (63 - idx)
			} else {
				chLo |= 1 << (127 - idx)
			}
		}

		v, err := t.readNode(node, bit)
		if err != nil {
			return err
		}

		switch {
		case v == t.meta.NodeCount:
			// no data; the subrange has no assigned country

		case v < t.meta.NodeCount:
			if depth+1 >= width {
				return &DecodeError{
					Offset: int(node) * t.nodeSize,
					Reason: fmt.Sprintf("search tree deeper than the %d-bit address width", width),
				}
			}
			if err := t.walk(v, chHi, chLo, depth+1, emit); err != nil {
				return err
			}

		default:
			if v < t.meta.NodeCount+dataSectionSeparatorSize {
				return &DecodeError{
					Offset: int(node) * t.nodeSize,
					Reason: fmt.Sprintf("record value %d points into the data section separator", v),
				}
			}
			dataOff := int(v - t.meta.NodeCount - dataSectionSeparatorSize)
			code, err := t.countryCode(dataOff)
			if err != nil {
				return err
			}
			endHi, endLo := subrangeEnd(chHi, chLo, width-depth-1)
			emit(Range{
				StartHi: chHi, StartLo: chLo,
				EndHi: endHi, EndLo: endLo,
				Code: code,
			})
		}
	}
	return nil
}

// countryCode decodes the record at dataOff and digs out country/iso_code.
func (t *tree) countryCode(dataOff int) (string, error) {
	v, _, err := t.data.decode(dataOff)
	if err != nil {
		return "", err
	}
	country, ok := v.Get("country")
	if !ok {
		return "", &MissingCountryCodeError{Offset: dataOff}
	}
	code, ok := country.Get("iso_code")
	if !ok || code.Kind != KindString || len(code.Str) != 2 {
		return "", &MissingCountryCodeError{Offset: dataOff}
	}
	return code.Str, nil
}

// subrangeEnd fills the free low bits of a prefix: a leaf reached with free
// address bits remaining covers 2^free consecutive addresses.
func subrangeEnd(hi, lo uint64, free int) (uint64, uint64) {
	switch {
	case free <= 0:
		return hi, lo
	case free < 64:
		return hi, lo | (1<<free - 1)
	case free == 64:
		return hi, ^uint64(0)
	default:
		return hi | (1<<(free-64) - 1), ^uint64(0)
	}
}
