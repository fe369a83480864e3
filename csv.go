package dbip

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"sort"
)

// ParseCSV reads a country-lite CSV export (start_ip,end_ip,country_code
// rows, IPv4 and IPv6 mixed, no header) and builds the same table the
// binary database would produce. Every malformed row is fatal.
func ParseCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.ReuseRecord = true

	var ranges []Range
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dbip: csv line %d: %w", line, err)
		}

		start, err := parseCSVAddr(rec[0])
		if err != nil {
			return nil, fmt.Errorf("dbip: csv line %d: %w", line, err)
		}
		end, err := parseCSVAddr(rec[1])
		if err != nil {
			return nil, fmt.Errorf("dbip: csv line %d: %w", line, err)
		}
		code := rec[2]
		if len(code) != 2 {
			return nil, fmt.Errorf("dbip: csv line %d: country code %q is not two characters", line, code)
		}

		sb, eb := start.As16(), end.As16()
		rg := Range{
			StartHi: binary.BigEndian.Uint64(sb[:8]),
			StartLo: binary.BigEndian.Uint64(sb[8:]),
			EndHi:   binary.BigEndian.Uint64(eb[:8]),
			EndLo:   binary.BigEndian.Uint64(eb[8:]),
			Code:    code,
		}
		if cmp128(rg.StartHi, rg.StartLo, rg.EndHi, rg.EndLo) > 0 {
			return nil, fmt.Errorf("dbip: csv line %d: start %s is after end %s", line, start, end)
		}
		ranges = append(ranges, rg)
	}

	// CSV exports sort each family separately; the merged 128-bit order has
	// to be restored before the builder verifies it.
	sort.Slice(ranges, func(i, j int) bool {
		return cmp128(ranges[i].StartHi, ranges[i].StartLo, ranges[j].StartHi, ranges[j].StartLo) < 0
	})

	return BuildTable(ranges)
}

func parseCSVAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address %q", s)
	}
	return addr, nil
}
