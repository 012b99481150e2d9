package convert

import (
	"fmt"
	"strings"
	"time"
)

// type ranks for mixed comparisons; nil sorts first
const (
	rankNil = iota
	rankBool
	rankNumber
	rankTime
	rankString
	rankOther
)

func rank(v any) int {
	if v == nil {
		return rankNil
	}
	if _, ok := Numeric(v); ok {
		return rankNumber
	}
	switch v.(type) {
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	case string, fmt.Stringer:
		return rankString
	}
	return rankOther
}

// Compare orders two row values. Values of the same family compare
// naturally (numbers numerically and exactly regardless of Go width, NaN
// last among numbers, strings
// lexically, times chronologically, false before true). Different families
// order by family: nil < bool < number < time < string < other.
//
// Returns -1, 0 or 1.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case rankNil:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankNumber:
		return compareNumbers(a, b)
	case rankTime:
		at, bt := a.(time.Time), b.(time.Time)
		return at.Compare(bt)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Equal reports whether two row values are equal under Compare, so that
// int64(3) and 3.0 are equal.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}
