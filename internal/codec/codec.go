// Package codec implements the deterministic binary encoding used for row
// primary keys and column-value maps (old_values/new_values on an Operation).
//
// No MessagePack or CBOR dependency fits this concern, so this is
// hand-rolled on top of encoding/binary the way VarintEncoder/DeltaEncoder
// in delta_sync.go roll their own point codec — a deliberate idiom for this
// exact concern, not a generic stdlib fallback.
//
// Equal inputs must produce byte-equal output regardless of map insertion
// order (keys are written in lexicographic order), and the codec round-trips
// every scalar type the embedded store supports: integer, real, text, blob,
// null.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Kind tags the wire type of an encoded value.
type Kind byte

const (
	KindNull Kind = iota
	KindInt
	KindReal
	KindText
	KindBlob
)

// Value is a heterogeneous column value matching the embedded store's
// scalar type system.
type Value struct {
	Kind Kind
	Int  int64
	Real float64
	Text string
	Blob []byte
}

// NullValue constructs a null Value.
func NullValue() Value { return Value{Kind: KindNull} }

// IntValue constructs an integer Value.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// RealValue constructs a real (float64) Value.
func RealValue(v float64) Value { return Value{Kind: KindReal, Real: v} }

// TextValue constructs a text Value.
func TextValue(v string) Value { return Value{Kind: KindText, Text: v} }

// BlobValue constructs a blob Value.
func BlobValue(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

// EncodeValue writes a single tagged value: 1 byte kind + type-specific
// payload, length-prefixed for variable-length kinds.
func EncodeValue(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{byte(KindNull)}
	case KindInt:
		buf := make([]byte, 1+8)
		buf[0] = byte(KindInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Int))
		return buf
	case KindReal:
		buf := make([]byte, 1+8)
		buf[0] = byte(KindReal)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.Real))
		return buf
	case KindText:
		return encodeLengthPrefixed(KindText, []byte(v.Text))
	case KindBlob:
		return encodeLengthPrefixed(KindBlob, v.Blob)
	default:
		panic(fmt.Sprintf("codec: unknown value kind %d", v.Kind))
	}
}

func encodeLengthPrefixed(kind Kind, data []byte) []byte {
	buf := make([]byte, 1+4+len(data))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[5:], data)
	return buf
}

// DecodeValue reads a single tagged value and returns the bytes consumed.
func DecodeValue(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("codec: empty input")
	}
	kind := Kind(data[0])
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, 1, nil
	case KindInt:
		if len(data) < 9 {
			return Value{}, 0, fmt.Errorf("codec: truncated int value")
		}
		v := int64(binary.BigEndian.Uint64(data[1:9]))
		return Value{Kind: KindInt, Int: v}, 9, nil
	case KindReal:
		if len(data) < 9 {
			return Value{}, 0, fmt.Errorf("codec: truncated real value")
		}
		bits := binary.BigEndian.Uint64(data[1:9])
		return Value{Kind: KindReal, Real: math.Float64frombits(bits)}, 9, nil
	case KindText, KindBlob:
		if len(data) < 5 {
			return Value{}, 0, fmt.Errorf("codec: truncated length-prefixed value")
		}
		n := binary.BigEndian.Uint32(data[1:5])
		if len(data) < 5+int(n) {
			return Value{}, 0, fmt.Errorf("codec: truncated payload, want %d bytes", n)
		}
		payload := make([]byte, n)
		copy(payload, data[5:5+int(n)])
		if kind == KindText {
			return Value{Kind: KindText, Text: string(payload)}, 5 + int(n), nil
		}
		return Value{Kind: KindBlob, Blob: payload}, 5 + int(n), nil
	default:
		return Value{}, 0, fmt.Errorf("codec: unknown value kind %d", kind)
	}
}

// EncodeMap serializes a column->value map deterministically: keys are
// sorted lexicographically before encoding, so equal maps always produce
// byte-equal output regardless of how the caller built them.
func EncodeMap(m map[string]Value) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(keys)))
	buf = append(buf, header...)

	for _, k := range keys {
		keyBytes := []byte(k)
		keyLen := make([]byte, 4)
		binary.BigEndian.PutUint32(keyLen, uint32(len(keyBytes)))
		buf = append(buf, keyLen...)
		buf = append(buf, keyBytes...)
		buf = append(buf, EncodeValue(m[k])...)
	}
	return buf
}

// DecodeMap parses a map encoded by EncodeMap.
func DecodeMap(data []byte) (map[string]Value, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("codec: truncated map header")
	}
	count := binary.BigEndian.Uint32(data[:4])
	offset := 4

	out := make(map[string]Value, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("codec: truncated key length")
		}
		keyLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if len(data) < offset+keyLen {
			return nil, fmt.Errorf("codec: truncated key")
		}
		key := string(data[offset : offset+keyLen])
		offset += keyLen

		val, n, err := DecodeValue(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("codec: decoding value for key %q: %w", key, err)
		}
		offset += n
		out[key] = val
	}
	return out, nil
}

// EncodeRowPK encodes an ordered primary-key tuple (column order matters —
// unlike EncodeMap, a PK tuple is positional, not sorted).
func EncodeRowPK(values []Value) []byte {
	var buf []byte
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(values)))
	buf = append(buf, header...)
	for _, v := range values {
		buf = append(buf, EncodeValue(v)...)
	}
	return buf
}

// DecodeRowPK parses a primary-key tuple encoded by EncodeRowPK.
func DecodeRowPK(data []byte) ([]Value, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("codec: truncated pk header")
	}
	count := binary.BigEndian.Uint32(data[:4])
	offset := 4
	out := make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		v, n, err := DecodeValue(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("codec: decoding pk component %d: %w", i, err)
		}
		offset += n
		out = append(out, v)
	}
	return out, nil
}
