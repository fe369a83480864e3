package dbip_test

import (
	"bytes"
	"net/netip"

	dbip "github.com/MASQ-Project/DBIP-Experiment"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Convert", func() {

	// 1.0.0.0/30 and 1.0.0.4/30 are AU, 1.0.0.8/30 is CZ, 1.0.0.16/30 is
	// SK, and 1.0.0.12/30 is uncovered.
	seed := func(recordSize int) *testDB {
		db := newTestDB(recordSize, 4)
		db.insertV4(0x01000000, 30, db.addRecord("AU"))
		db.insertV4(0x01000004, 30, db.addRecord("AU"))
		db.insertV4(0x01000008, 30, db.addRecord("CZ"))
		db.insertV4(0x01000010, 30, db.addRecord("SK"))
		return db
	}

	It("should collapse the tree into a minimal merged table", func() {
		table, meta, err := dbip.Convert(seed(24).build())
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.RecordSize).To(Equal(uint64(24)))
		Expect(meta.IPVersion).To(Equal(uint64(4)))
		Expect(table).To(Equal(dbip.Table{
			v4Range(0x01000000, 0x01000007, "AU"),
			v4Range(0x01000008, 0x0100000B, "CZ"),
			v4Range(0x01000010, 0x01000013, "SK"),
		}))
	})

	It("should handle 28-bit and 32-bit record sizes", func() {
		for _, rs := range []int{28, 32} {
			table, meta, err := dbip.Convert(seed(rs).build())
			Expect(err).NotTo(HaveOccurred(), "record size %d", rs)
			Expect(meta.RecordSize).To(Equal(uint64(rs)))
			Expect(table).To(HaveLen(3), "record size %d", rs)
			Expect(table[1]).To(Equal(v4Range(0x01000008, 0x0100000B, "CZ")))
		}
	})

	It("should round-trip lookups at and around range boundaries", func() {
		table, _, err := dbip.Convert(seed(24).build())
		Expect(err).NotTo(HaveOccurred())

		expectCode := func(ip string, code string) {
			got, ok := table.Lookup(netip.MustParseAddr(ip))
			Expect(ok).To(BeTrue(), "for %s", ip)
			Expect(got).To(Equal(code), "for %s", ip)
		}
		expectMiss := func(ip string) {
			_, ok := table.Lookup(netip.MustParseAddr(ip))
			Expect(ok).To(BeFalse(), "for %s", ip)
		}

		expectMiss("0.255.255.255")
		expectCode("1.0.0.0", "AU")
		expectCode("1.0.0.5", "AU")
		expectCode("1.0.0.7", "AU")
		expectCode("1.0.0.8", "CZ")
		expectCode("1.0.0.11", "CZ")
		expectMiss("1.0.0.12")
		expectMiss("1.0.0.15")
		expectCode("1.0.0.16", "SK")
		expectCode("1.0.0.19", "SK")
		expectMiss("1.0.0.20")

		// the IPv4-mapped form is the same address
		expectCode("::ffff:1.0.0.9", "CZ")
	})

	It("should produce byte-identical output across runs", func() {
		buf := seed(24).build()

		t1, _, err := dbip.Convert(buf)
		Expect(err).NotTo(HaveOccurred())
		t2, _, err := dbip.Convert(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(t2).To(Equal(t1))

		out1 := new(bytes.Buffer)
		out2 := new(bytes.Buffer)
		Expect(dbip.EmitGoSource(out1, "dbip_country", t1)).To(Succeed())
		Expect(dbip.EmitGoSource(out2, "dbip_country", t2)).To(Succeed())
		Expect(out2.Bytes()).To(Equal(out1.Bytes()))
	})

	It("should resolve records reached through pointers", func() {
		db := newTestDB(24, 4)
		direct := db.addRecord("DE")
		db.insertV4(0x02000000, 8, direct) // 2.0.0.0/8
		db.insertV4(0x03000000, 8, db.addPointerRecord(direct))

		table, _, err := dbip.Convert(db.build())
		Expect(err).NotTo(HaveOccurred())
		// 2.0.0.0/8 and 3.0.0.0/8 are adjacent and share a code
		Expect(table).To(Equal(dbip.Table{
			v4Range(0x02000000, 0x03FFFFFF, "DE"),
		}))
	})

	It("should enumerate an IPv6 tree over the full 128-bit space", func() {
		db := newTestDB(24, 6)
		db.insertV6(0x20010db8_00000000, 32, db.addRecord("US")) // 2001:db8::/32

		table, meta, err := dbip.Convert(db.build())
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.IPVersion).To(Equal(uint64(6)))
		Expect(table).To(Equal(dbip.Table{
			{StartHi: 0x20010db8_00000000, StartLo: 0,
				EndHi: 0x20010db8_ffffffff, EndLo: ^uint64(0), Code: "US"},
		}))

		code, ok := table.Lookup(netip.MustParseAddr("2001:db8::1"))
		Expect(ok).To(BeTrue())
		Expect(code).To(Equal("US"))
		_, ok = table.Lookup(netip.MustParseAddr("2001:db9::1"))
		Expect(ok).To(BeFalse())
	})

	It("should produce an empty table from an empty tree", func() {
		table, _, err := dbip.Convert(newTestDB(24, 4).build())
		Expect(err).NotTo(HaveOccurred())
		Expect(table).To(BeEmpty())
	})

	It("should keep ZZ sentinel ranges out of lookup results", func() {
		db := newTestDB(24, 4)
		db.insertV4(0x05000000, 8, db.addRecord("ZZ")) // 5.0.0.0/8

		table, _, err := dbip.Convert(db.build())
		Expect(err).NotTo(HaveOccurred())
		Expect(table).To(HaveLen(1))
		Expect(table[0].Code).To(Equal("ZZ"))

		_, ok := table.Lookup(netip.MustParseAddr("5.0.0.1"))
		Expect(ok).To(BeFalse())
	})

	It("should fail with MissingMetadata when the marker is truncated away", func() {
		buf := seed(24).build()
		cut := bytes.LastIndex(buf, testMarker)
		Expect(cut).To(BeNumerically(">", 0))

		_, _, err := dbip.Convert(buf[:cut])
		Expect(err).To(MatchError(dbip.ErrMissingMetadata))
	})

	It("should fail on a node count that cannot fit the buffer", func() {
		buf := seed(24).build()
		cut := bytes.LastIndex(buf, testMarker) + len(testMarker)

		// metadata declaring node_count 2^61, which would overflow the
		// tree-size computation if it were multiplied unchecked
		meta := []byte{0xE3}
		meta = append(meta, 0x40|10)
		meta = append(meta, "node_count"...)
		meta = append(meta, 0x08, 0x02, 0x20, 0, 0, 0, 0, 0, 0, 0)
		meta = append(meta, 0x40|11)
		meta = append(meta, "record_size"...)
		meta = append(meta, 0xA1, 24)
		meta = append(meta, 0x40|10)
		meta = append(meta, "ip_version"...)
		meta = append(meta, 0xA1, 4)
		buf = append(buf[:cut:cut], meta...)

		_, _, err := dbip.Convert(buf)
		var de *dbip.DecodeError
		Expect(err).To(BeAssignableToTypeOf(de))
		Expect(err.Error()).To(ContainSubstring("node count"))
	})

	It("should fail when the tree is deeper than the address width", func() {
		db := newTestDB(24, 4)
		db.nodes[0][0] = 0 // cycle back to the root

		_, _, err := dbip.Convert(db.build())
		var de *dbip.DecodeError
		Expect(err).To(BeAssignableToTypeOf(de))
		Expect(err.Error()).To(ContainSubstring("address width"))
	})

	It("should fail when a record value points into the separator", func() {
		db := newTestDB(24, 4)
		buf := db.build()
		buf[2] = 6 // left child of the root: node_count + 5

		_, _, err := dbip.Convert(buf)
		var de *dbip.DecodeError
		Expect(err).To(BeAssignableToTypeOf(de))
		Expect(err.Error()).To(ContainSubstring("separator"))
	})

	It("should fail with UnsupportedFormat on an unexpected record size", func() {
		db := seed(24)
		db.recordSize = 20
		// build() cannot serialize 20-bit nodes; splice the metadata of the
		// 20-bit variant onto a 24-bit tree instead
		good := seed(24)
		buf := good.build()
		cut := bytes.LastIndex(buf, testMarker) + len(testMarker)
		buf = append(buf[:cut:cut], db.metadata()...)

		_, _, err := dbip.Convert(buf)
		var ufe *dbip.UnsupportedFormatError
		Expect(err).To(BeAssignableToTypeOf(ufe))
		Expect(err.Error()).To(ContainSubstring("record size 20"))
	})

	It("should fail with OutOfBounds when a pointer leaves the buffer", func() {
		db := newTestDB(24, 4)
		db.insertV4(0x06000000, 8, db.addPointerRecord(0x700)) // points past the section end

		_, _, err := dbip.Convert(db.build())
		var oob *dbip.OutOfBoundsError
		Expect(err).To(BeAssignableToTypeOf(oob))
	})

	It("should fail with MissingCountryCode on a record without one", func() {
		db := newTestDB(24, 4)
		db.insertV4(0x07000000, 8, db.addEmptyRecord())

		_, _, err := dbip.Convert(db.build())
		var mcc *dbip.MissingCountryCodeError
		Expect(err).To(BeAssignableToTypeOf(mcc))
	})
})
