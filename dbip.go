package dbip

import (
	"errors"
	"fmt"
)

// metadataMarker precedes the metadata map at the tail of every database file.
var metadataMarker = []byte("\xAB\xCD\xEFMaxMind.com")

// snapshotMagic terminates every snapshot file.
var snapshotMagic = []byte{0xDB, 0x49, 0x50, 0xC0, 0x1A, 0x77, 0x3E, 0x91}

const (
	// dataSectionSeparatorSize is the number of zero bytes between the search
	// tree and the data section.
	dataSectionSeparatorSize = 16

	// maxPointerDepth bounds pointer-to-pointer resolution in the data
	// section. Well-formed files never chain pointers this deep.
	maxPointerDepth = 16

	blockNoCompression     = 0
	blockSnappyCompression = 1
)

// ErrMissingMetadata is returned when the metadata marker cannot be found.
var ErrMissingMetadata = errors.New("dbip: metadata marker not found")

var (
	errClosed         = errors.New("dbip: snapshot writer is closed")
	errBadMagic       = errors.New("dbip: bad snapshot magic byte sequence")
	errBadCompression = errors.New("dbip: bad snapshot compression codec")
)

// OutOfBoundsError is returned when a read would exceed the input buffer.
type OutOfBoundsError struct {
	Offset int // absolute offset of the attempted read
	Need   int // number of bytes required at Offset
	Size   int // total buffer size
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("dbip: read of %d bytes at offset %d exceeds buffer of %d bytes", e.Need, e.Offset, e.Size)
}

// DecodeError is returned when the data section or search tree is malformed.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dbip: decode error at offset %d: %s", e.Offset, e.Reason)
}

// UnsupportedFormatError is returned when the metadata declares a value the
// converter cannot handle.
type UnsupportedFormatError struct {
	Field string
	Value uint64
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("dbip: unsupported %s %d", e.Field, e.Value)
}

// MissingCountryCodeError is returned when a record is reachable but does not
// carry the expected country/iso_code field.
type MissingCountryCodeError struct {
	Offset int
}

func (e *MissingCountryCodeError) Error() string {
	return fmt.Sprintf("dbip: record at data offset %d has no country code", e.Offset)
}

// ConsistencyError is returned when a built table violates its ordering or
// non-overlap invariants.
type ConsistencyError struct {
	Detail string
}

func (e *ConsistencyError) Error() string {
	return "dbip: inconsistent table: " + e.Detail
}

// --------------------------------------------------------------------

// Compression is the snapshot block compression codec.
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c <= unknownCompression
}

// Supported compression codecs.
const (
	SnappyCompression Compression = iota
	NoCompression
	unknownCompression
)
