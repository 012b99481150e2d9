package convert

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zeebo/xxh3"
)

// Hash returns a 64-bit xxh3 digest of values such that values equal under
// Equal hash identically (int64(3) and 3.0 share a digest). Used for group
// keys, distinct sets and cache keys; callers resolve collisions with Equal.
func Hash(values ...any) uint64 {
	h := xxh3.New()
	var buf [9]byte
	for _, v := range values {
		writeHash(h, buf[:], v)
	}
	return h.Sum64()
}

func writeHash(h *xxh3.Hasher, buf []byte, v any) {
	if f, ok := exactFloat(v); ok {
		buf[0] = 'n'
		switch {
		case f == 0:
			f = 0 // fold -0
		case math.IsNaN(f):
			f = math.NaN()
		}
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(f))
		h.Write(buf[:9])
		return
	}
	// integers with no exact float64 form; no float can equal them
	if IsInteger(v) {
		class, rv := classify(v)
		if class == signedClass && rv.Int() >= 0 || class == unsignedClass && rv.Uint() <= math.MaxInt64 {
			buf[0] = 'i'
		} else {
			buf[0] = 'j'
		}
		if class == signedClass {
			binary.BigEndian.PutUint64(buf[1:], uint64(rv.Int()))
		} else {
			binary.BigEndian.PutUint64(buf[1:], rv.Uint())
		}
		h.Write(buf[:9])
		return
	}
	switch val := v.(type) {
	case nil:
		h.Write([]byte{'z'})
	case bool:
		if val {
			h.Write([]byte{'b', 1})
		} else {
			h.Write([]byte{'b', 0})
		}
	case string:
		writeTagged(h, buf, 's', val)
	case time.Time:
		buf[0] = 't'
		binary.BigEndian.PutUint64(buf[1:], uint64(val.UnixNano()))
		h.Write(buf[:9])
	case []any:
		buf[0] = 'l'
		binary.BigEndian.PutUint64(buf[1:], uint64(len(val)))
		h.Write(buf[:9])
		for _, item := range val {
			writeHash(h, buf, item)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf[0] = 'm'
		binary.BigEndian.PutUint64(buf[1:], uint64(len(keys)))
		h.Write(buf[:9])
		for _, k := range keys {
			writeTagged(h, buf, 's', k)
			writeHash(h, buf, val[k])
		}
	default:
		writeTagged(h, buf, 'o', fmt.Sprintf("%T:%v", v, v))
	}
}

func writeTagged(h *xxh3.Hasher, buf []byte, tag byte, s string) {
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:], uint64(len(s)))
	h.Write(buf[:9])
	h.WriteString(s)
}
