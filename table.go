package dbip

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"sort"
)

// Range associates one inclusive span of the 128-bit address space with a
// two-letter ISO 3166 country code. IPv4 spans sit in the IPv4-mapped block
// ::ffff:0:0/96. Addresses are stored as big-endian 64-bit halves so that a
// table can be written out as plain integer literals.
type Range struct {
	StartHi, StartLo uint64
	EndHi, EndLo     uint64
	Code             string
}

// Start returns the first address of the range.
func (r Range) Start() netip.Addr { return addrFrom128(r.StartHi, r.StartLo) }

// End returns the last address of the range.
func (r Range) End() netip.Addr { return addrFrom128(r.EndHi, r.EndLo) }

// Table is a sorted, non-overlapping list of country ranges. It is immutable
// after construction and safe for concurrent lookups.
type Table []Range

// BuildTable validates a sequence of ranges and merges mergeable neighbours.
// The input must already be sorted ascending by start and free of overlaps;
// violations are ConsistencyErrors rather than silently repaired. Adjacent
// ranges carrying the same code are collapsed, so no two retained neighbours
// are mergeable.
func BuildTable(ranges []Range) (Table, error) {
	out := make(Table, 0, len(ranges))
	for _, r := range ranges {
		if len(r.Code) != 2 {
			return nil, &ConsistencyError{Detail: fmt.Sprintf("country code %q is not two characters", r.Code)}
		}
		if cmp128(r.StartHi, r.StartLo, r.EndHi, r.EndLo) > 0 {
			return nil, &ConsistencyError{
				Detail: fmt.Sprintf("range start %s is after its end %s", r.Start(), r.End()),
			}
		}
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if cmp128(r.StartHi, r.StartLo, prev.EndHi, prev.EndLo) <= 0 {
				return nil, &ConsistencyError{
					Detail: fmt.Sprintf("range starting at %s overlaps or precedes range ending at %s", r.Start(), prev.End()),
				}
			}
			nextHi, nextLo := add128(prev.EndHi, prev.EndLo, 0, 1)
			if r.Code == prev.Code && nextHi == r.StartHi && nextLo == r.StartLo {
				prev.EndHi, prev.EndLo = r.EndHi, r.EndLo
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Lookup returns the country code covering addr, or false when the address
// is outside every range. The "ZZ" sentinel counts as no match. IPv4
// addresses are looked up through their IPv4-mapped form. Lookup never
// errors; an unknown address is a normal result.
func (t Table) Lookup(addr netip.Addr) (string, bool) {
	b := addr.As16()
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])

	i := sort.Search(len(t), func(i int) bool {
		return cmp128(t[i].EndHi, t[i].EndLo, hi, lo) >= 0
	})
	if i == len(t) || cmp128(t[i].StartHi, t[i].StartLo, hi, lo) > 0 {
		return "", false
	}
	if t[i].Code == "ZZ" {
		return "", false
	}
	return t[i].Code, true
}

// --------------------------------------------------------------------

func cmp128(aHi, aLo, bHi, bLo uint64) int {
	switch {
	case aHi != bHi:
		if aHi < bHi {
			return -1
		}
		return 1
	case aLo != bLo:
		if aLo < bLo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func add128(aHi, aLo, bHi, bLo uint64) (uint64, uint64) {
	lo, carry := bits.Add64(aLo, bLo, 0)
	hi, _ := bits.Add64(aHi, bHi, carry)
	return hi, lo
}

func sub128(aHi, aLo, bHi, bLo uint64) (uint64, uint64) {
	lo, borrow := bits.Sub64(aLo, bLo, 0)
	hi, _ := bits.Sub64(aHi, bHi, borrow)
	return hi, lo
}

func addrFrom128(hi, lo uint64) netip.Addr {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], hi)
	binary.BigEndian.PutUint64(b[8:], lo)
	return netip.AddrFrom16(b)
}
