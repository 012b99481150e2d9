package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/orneryd/nornicexec/pkg/convert"
)

// Type tags for encoded keys. Tag order matches convert.Compare's type rank,
// so byte order of encoded keys equals the comparison order of the values.
const (
	tagNull   = byte(0x00)
	tagFalse  = byte(0x01)
	tagTrue   = byte(0x02)
	tagNumber = byte(0x03)
	tagTime   = byte(0x04)
	tagString = byte(0x05)
	tagEnd    = byte(0xFF)
)

const (
	numFloat = byte(0x00)
	numInt   = byte(0x01)
)

// encodeKey appends an order-preserving encoding of key to dst.
//
// Numbers are laid out as an order-preserving float64 followed by a kind byte
// and, for integers, the exact sign-flipped int64, so ints and floats
// interleave correctly and integers above 2^53 keep their order and value.
// An integer's float prefix is the largest float64 not above it, so a float
// sharing that prefix is never greater than the integer. NaN sorts after
// every number.
// Strings are escaped (0x00 -> 0x00 0xFF) and terminated with 0x00 0x01.
func encodeKey(dst []byte, key any) ([]byte, error) {
	switch v := key.(type) {
	case nil:
		return append(dst, tagNull), nil
	case bool:
		if v {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case time.Time:
		dst = append(dst, tagTime)
		return binary.BigEndian.AppendUint64(dst, uint64(v.UnixNano())^(1<<63)), nil
	case string:
		dst = append(dst, tagString)
		return appendEscaped(dst, v), nil
	}
	if f, ok := convert.Numeric(key); ok {
		dst = append(dst, tagNumber)
		if !convert.IsInteger(key) {
			if math.IsNaN(f) {
				f = math.NaN()
			}
			dst = binary.BigEndian.AppendUint64(dst, orderedFloat(f))
			return append(dst, numFloat), nil
		}
		n, _ := convert.ToInt64(key)
		if (n < 0) != (f < 0) {
			return nil, fmt.Errorf("%w: %v overflows int64", ErrUnsupportedKey, key)
		}
		dst = binary.BigEndian.AppendUint64(dst, orderedFloat(floorFloat(n)))
		dst = append(dst, numInt)
		return binary.BigEndian.AppendUint64(dst, uint64(n)^(1<<63)), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
}

// decodeKey decodes one key from the front of src and returns the rest.
func decodeKey(src []byte) (any, []byte, error) {
	if len(src) == 0 {
		return nil, nil, fmt.Errorf("decode index key: empty input")
	}
	tag, rest := src[0], src[1:]
	switch tag {
	case tagNull:
		return nil, rest, nil
	case tagFalse:
		return false, rest, nil
	case tagTrue:
		return true, rest, nil
	case tagTime:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("decode index key: short time")
		}
		n := int64(binary.BigEndian.Uint64(rest) ^ (1 << 63))
		return time.Unix(0, n).UTC(), rest[8:], nil
	case tagString:
		return unescape(rest)
	case tagNumber:
		if len(rest) < 9 {
			return nil, nil, fmt.Errorf("decode index key: short number")
		}
		f := unorderedFloat(binary.BigEndian.Uint64(rest))
		kind := rest[8]
		rest = rest[9:]
		if kind == numFloat {
			return f, rest, nil
		}
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("decode index key: short integer")
		}
		return int64(binary.BigEndian.Uint64(rest) ^ (1 << 63)), rest[8:], nil
	default:
		return nil, nil, fmt.Errorf("decode index key: unknown tag 0x%02x", tag)
	}
}

// floorFloat returns the largest float64 that is <= n.
func floorFloat(n int64) float64 {
	f := float64(n)
	if f >= float64(1<<63) || int64(f) > n {
		return math.Nextafter(f, math.Inf(-1))
	}
	return f
}

func orderedFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if f < 0 || (f == 0 && math.Signbit(f)) {
		return ^bits
	}
	return bits | (1 << 63)
}

func unorderedFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, 0x00, 0x01)
}

func unescape(src []byte) (any, []byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] != 0x00 {
			out = append(out, src[i])
			continue
		}
		if i+1 >= len(src) {
			break
		}
		switch src[i+1] {
		case 0x01:
			return string(out), src[i+2:], nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, fmt.Errorf("decode index key: bad string escape")
		}
	}
	return nil, nil, fmt.Errorf("decode index key: unterminated string")
}
