package dbip

import (
	"fmt"
	"io"
)

// modulePath is imported by the generated source for the Table type and its
// lookup routine.
const modulePath = "github.com/MASQ-Project/DBIP-Experiment"

// EmitGoSource writes a table as a compilable Go source file: the literal
// range array, an entry-count accessor and a lookup function. The output is
// deterministic; identical tables yield byte-identical text, which the
// diff-based publishing workflow depends on.
func EmitGoSource(w io.Writer, pkg string, t Table) error {
	if pkg == "" {
		return fmt.Errorf("dbip: generated package name must not be empty")
	}

	write := func(format string, args ...interface{}) error {
		_, err := fmt.Fprintf(w, format, args...)
		return err
	}

	if err := write("// Code generated by dbip-convert. DO NOT EDIT.\n\npackage %s\n\n", pkg); err != nil {
		return err
	}
	if err := write("import (\n\t\"net/netip\"\n\n\tdbip %q\n)\n\n", modulePath); err != nil {
		return err
	}

	if err := write("// countryTable maps inclusive 128-bit address ranges to ISO 3166 codes.\nvar countryTable = dbip.Table{\n"); err != nil {
		return err
	}
	for _, r := range t {
		err := write("\t{0x%016X, 0x%016X, 0x%016X, 0x%016X, %q},\n",
			r.StartHi, r.StartLo, r.EndHi, r.EndLo, r.Code)
		if err != nil {
			return err
		}
	}
	if err := write("}\n\n"); err != nil {
		return err
	}

	if err := write("// CountryRangeCount reports the number of embedded ranges.\nfunc CountryRangeCount() int {\n\treturn %d\n}\n\n", len(t)); err != nil {
		return err
	}

	return write("// FindCountry returns the ISO 3166 country code for addr, or false when\n" +
		"// the address is not covered by the embedded table.\n" +
		"func FindCountry(addr netip.Addr) (string, bool) {\n" +
		"\treturn countryTable.Lookup(addr)\n" +
		"}\n")
}
