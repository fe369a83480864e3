package dbip

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Kind identifies the type of a decoded data-section value.
type Kind int

// Data-section value kinds.
const (
	KindString Kind = iota + 1
	KindBytes
	KindUint
	KindUint128
	KindInt32
	KindMap
	KindArray
	KindBool
	KindFloat64
)

// Value is one decoded data-section value. Exactly one payload field is
// meaningful, selected by Kind. Maps preserve the key order of the file:
// Keys[i] maps to Elems[i]. Arrays use Elems only.
type Value struct {
	Kind  Kind
	Str   string
	Bytes []byte // raw bytes, or the big-endian uint128 payload
	Uint  uint64
	Int   int32
	Bool  bool
	Float float64
	Keys  []string
	Elems []Value
}

// Get returns the value stored under key in a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	for i, k := range v.Keys {
		if k == key {
			return v.Elems[i], true
		}
	}
	return Value{}, false
}

// AsUint reports the value as a uint64 if it has an unsigned integer kind.
func (v Value) AsUint() (uint64, bool) {
	if v.Kind != KindUint {
		return 0, false
	}
	return v.Uint, true
}

// Raw data-section type tags.
const (
	tagExtended = 0
	tagPointer  = 1
	tagString   = 2
	tagFloat64  = 3
	tagBytes    = 4
	tagUint16   = 5
	tagUint32   = 6
	tagMap      = 7
	tagInt32    = 8
	tagUint64   = 9
	tagUint128  = 10
	tagArray    = 11
	tagBool     = 14
	tagFloat32  = 15
	// tags 12 (container) and 13 (end marker) are invalid in record data
)

// DecodeValue decodes the value at offset within a data section. Pointers
// are resolved relative to the start of section. Any malformation is fatal:
// truncated payloads, invalid tags, over-deep pointer chains and invalid
// UTF-8 all produce errors.
func DecodeValue(section []byte, offset int) (Value, error) {
	d := dataDecoder{r: binReader{buf: section}}
	v, _, err := d.decode(offset)
	return v, err
}

type dataDecoder struct {
	r binReader
}

// decode decodes one value at off and returns it together with the offset of
// the next value.
func (d *dataDecoder) decode(off int) (Value, int, error) {
	tag, size, payload, err := d.control(off)
	if err != nil {
		return Value{}, 0, err
	}

	if tag == tagPointer {
		// Pointer chains are resolved iteratively so that adversarial
		// inputs cannot blow the stack.
		target, next, err := d.pointer(off, size)
		if err != nil {
			return Value{}, 0, err
		}
		for hops := 1; ; hops++ {
			if hops > maxPointerDepth {
				return Value{}, 0, &DecodeError{Offset: off, Reason: fmt.Sprintf("pointer chain longer than %d", maxPointerDepth)}
			}
			tag, size, payload, err = d.control(target)
			if err != nil {
				return Value{}, 0, err
			}
			if tag != tagPointer {
				break
			}
			if target, _, err = d.pointer(target, size); err != nil {
				return Value{}, 0, err
			}
		}
		v, _, err := d.payload(tag, size, payload)
		if err != nil {
			return Value{}, 0, err
		}
		return v, next, nil
	}

	return d.payload(tag, size, payload)
}

// control reads the control byte at off and returns the type tag, the
// payload length and the payload offset. For pointers the returned size is
// the raw 5-bit field; pointer() interprets it.
func (d *dataDecoder) control(off int) (tag, size, payload int, err error) {
	ctrl, err := d.r.u8(off)
	if err != nil {
		return 0, 0, 0, err
	}
	tag = int(ctrl >> 5)
	payload = off + 1

	if tag == tagExtended {
		ext, err := d.r.u8(payload)
		if err != nil {
			return 0, 0, 0, err
		}
		tag = int(ext) + 7
		payload++
	}

	size = int(ctrl & 0x1f)
	if tag == tagPointer {
		return tag, size, payload, nil
	}

	// Length escapes: 29, 30 and 31 pull 1, 2 and 3 extra bytes.
	switch size {
	case 29:
		b, err := d.r.u8(payload)
		if err != nil {
			return 0, 0, 0, err
		}
		size = 29 + int(b)
		payload++
	case 30:
		u, err := d.r.u16(payload)
		if err != nil {
			return 0, 0, 0, err
		}
		size = 285 + int(u)
		payload += 2
	case 31:
		u, err := d.r.u24(payload)
		if err != nil {
			return 0, 0, 0, err
		}
		size = 65821 + int(u)
		payload += 3
	}
	return tag, size, payload, nil
}

// pointerBases are added to the packed pointer value per size class.
var pointerBases = [4]int{0, 2048, 526336, 0}

// pointer resolves the pointer control field at off into an absolute
// data-section offset and the offset of the value following the pointer.
func (d *dataDecoder) pointer(off, size int) (target, next int, err error) {
	class := (size >> 3) & 0x3 // 1, 2, 3 or 4 payload bytes
	b, err := d.r.slice(off+1, class+1)
	if err != nil {
		return 0, 0, err
	}

	v := 0
	if class < 3 {
		v = size & 0x7
	}
	for _, by := range b {
		v = v<<8 | int(by)
	}
	return v + pointerBases[class], off + 1 + class + 1, nil
}

func (d *dataDecoder) payload(tag, size, off int) (Value, int, error) {
	switch tag {
	case tagString:
		b, err := d.r.slice(off, size)
		if err != nil {
			return Value{}, 0, err
		}
		if !utf8.Valid(b) {
			return Value{}, 0, &DecodeError{Offset: off, Reason: "string is not valid UTF-8"}
		}
		return Value{Kind: KindString, Str: string(b)}, off + size, nil

	case tagBytes:
		b, err := d.r.slice(off, size)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}, off + size, nil

	case tagUint16, tagUint32, tagUint64:
		max := 2
		switch tag {
		case tagUint32:
			max = 4
		case tagUint64:
			max = 8
		}
		if size > max {
			return Value{}, 0, &DecodeError{Offset: off, Reason: fmt.Sprintf("unsigned payload of %d bytes exceeds %d", size, max)}
		}
		b, err := d.r.slice(off, size)
		if err != nil {
			return Value{}, 0, err
		}
		var u uint64
		for _, by := range b {
			u = u<<8 | uint64(by)
		}
		return Value{Kind: KindUint, Uint: u}, off + size, nil

	case tagUint128:
		if size > 16 {
			return Value{}, 0, &DecodeError{Offset: off, Reason: fmt.Sprintf("uint128 payload of %d bytes exceeds 16", size)}
		}
		b, err := d.r.slice(off, size)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindUint128, Bytes: append([]byte(nil), b...)}, off + size, nil

	case tagInt32:
		if size > 4 {
			return Value{}, 0, &DecodeError{Offset: off, Reason: fmt.Sprintf("int32 payload of %d bytes exceeds 4", size)}
		}
		b, err := d.r.slice(off, size)
		if err != nil {
			return Value{}, 0, err
		}
		var u uint32
		for _, by := range b {
			u = u<<8 | uint32(by)
		}
		return Value{Kind: KindInt32, Int: int32(u)}, off + size, nil

	case tagBool:
		if size > 1 {
			return Value{}, 0, &DecodeError{Offset: off, Reason: "boolean length must be 0 or 1"}
		}
		return Value{Kind: KindBool, Bool: size != 0}, off, nil

	case tagFloat64:
		if size != 8 {
			return Value{}, 0, &DecodeError{Offset: off, Reason: "double payload must be 8 bytes"}
		}
		b, err := d.r.slice(off, 8)
		if err != nil {
			return Value{}, 0, err
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(b))
		return Value{Kind: KindFloat64, Float: f}, off + 8, nil

	case tagFloat32:
		if size != 4 {
			return Value{}, 0, &DecodeError{Offset: off, Reason: "float payload must be 4 bytes"}
		}
		b, err := d.r.slice(off, 4)
		if err != nil {
			return Value{}, 0, err
		}
		f := math.Float32frombits(binary.BigEndian.Uint32(b))
		return Value{Kind: KindFloat64, Float: float64(f)}, off + 4, nil

	case tagMap:
		v := Value{Kind: KindMap, Keys: make([]string, 0, size), Elems: make([]Value, 0, size)}
		pos := off
		for i := 0; i < size; i++ {
			key, next, err := d.decode(pos)
			if err != nil {
				return Value{}, 0, err
			}
			if key.Kind != KindString {
				return Value{}, 0, &DecodeError{Offset: pos, Reason: "map key is not a string"}
			}
			val, next2, err := d.decode(next)
			if err != nil {
				return Value{}, 0, err
			}
			v.Keys = append(v.Keys, key.Str)
			v.Elems = append(v.Elems, val)
			pos = next2
		}
		return v, pos, nil

	case tagArray:
		v := Value{Kind: KindArray, Elems: make([]Value, 0, size)}
		pos := off
		for i := 0; i < size; i++ {
			el, next, err := d.decode(pos)
			if err != nil {
				return Value{}, 0, err
			}
			v.Elems = append(v.Elems, el)
			pos = next
		}
		return v, pos, nil

	default:
		return Value{}, 0, &DecodeError{Offset: off, Reason: fmt.Sprintf("invalid type tag %d", tag)}
	}
}
