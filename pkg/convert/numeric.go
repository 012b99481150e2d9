// Package convert provides value coercion and comparison helpers for row values.
//
// Rows flowing through an execution plan carry dynamically typed values: Go
// integers and floats of any width, strings, booleans, node references, nested
// rows. Steps that sort, aggregate or compare need one consistent view of those
// values, and this package is that view.
//
// Key Functions:
//   - ToFloat64: lenient numeric coercion (accepts numeric strings)
//   - ToInt64: lenient integer coercion (truncates floats)
//   - Numeric: strict coercion, only real Go numeric kinds
//   - Compare: total ordering over mixed values
//
// Example:
//
//	if f, ok := convert.ToFloat64(row["age"]); ok {
//		total += f
//	}
//
//	// Strict: "3" is not a number here
//	_, ok := convert.Numeric("3") // ok == false
package convert

import (
	"cmp"
	"math"
	"reflect"
	"strconv"
)

// numberClass groups Go kinds by how they widen.
type numberClass uint8

const (
	notNumber numberClass = iota
	signedClass
	unsignedClass
	floatClass
)

// classify reports the numeric class of v along with its reflected value.
// Named types such as `type Age int` classify by their underlying kind.
func classify(v any) (numberClass, reflect.Value) {
	if v == nil {
		return notNumber, reflect.Value{}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return signedClass, rv
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return unsignedClass, rv
	case reflect.Float32, reflect.Float64:
		return floatClass, rv
	}
	return notNumber, rv
}

// ToFloat64 converts numeric kinds and numeric strings to float64.
//
// Strings accept decimal and scientific notation; NaN and Inf parse too.
//
//	f, ok := ToFloat64(42)      // (42.0, true)
//	f, ok := ToFloat64("1e3")   // (1000.0, true)
//	f, ok := ToFloat64("hello") // (0, false)
func ToFloat64(v any) (float64, bool) {
	if s, isString := v.(string); isString {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return Numeric(v)
}

// ToInt64 converts numeric kinds and integer strings to int64.
// Floats, and strings that only parse as floats, truncate toward zero.
//
//	i, ok := ToInt64(3.7)   // (3, true)
//	i, ok := ToInt64("12")  // (12, true)
//	i, ok := ToInt64(true)  // (0, false)
func ToInt64(v any) (int64, bool) {
	if s, isString := v.(string); isString {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return int64(f), err == nil
	}
	class, rv := classify(v)
	switch class {
	case signedClass:
		return rv.Int(), true
	case unsignedClass:
		return int64(rv.Uint()), true
	case floatClass:
		return int64(rv.Float()), true
	}
	return 0, false
}

// Numeric reports whether v is a Go numeric kind and returns it as float64.
// Strings are never numeric here, even when they look like numbers.
func Numeric(v any) (float64, bool) {
	class, rv := classify(v)
	switch class {
	case signedClass:
		return float64(rv.Int()), true
	case unsignedClass:
		return float64(rv.Uint()), true
	case floatClass:
		return rv.Float(), true
	}
	return 0, false
}

// IsInteger reports whether v is one of Go's integer kinds.
func IsInteger(v any) bool {
	class, _ := classify(v)
	return class == signedClass || class == unsignedClass
}

// two63 is 2^63 as a float64, the first float outside the int64 range.
const two63 = float64(1 << 63)

// compareNumbers orders two numeric values exactly: integers compare as
// integers even beyond 2^53, and mixed int/float pairs compare without
// rounding the integer. NaN sorts after every other number and equals
// itself. Both values must be numeric kinds.
func compareNumbers(a, b any) int {
	ca, va := classify(a)
	cb, vb := classify(b)
	switch {
	case ca == floatClass && cb == floatClass:
		return compareFloats(va.Float(), vb.Float())
	case ca == floatClass:
		return compareFloatInt(va.Float(), cb, vb)
	case cb == floatClass:
		return -compareFloatInt(vb.Float(), ca, va)
	case ca == signedClass && cb == signedClass:
		return cmp.Compare(va.Int(), vb.Int())
	case ca == unsignedClass && cb == unsignedClass:
		return cmp.Compare(va.Uint(), vb.Uint())
	case ca == signedClass:
		return compareSignedUnsigned(va.Int(), vb.Uint())
	default:
		return -compareSignedUnsigned(vb.Int(), va.Uint())
	}
}

func compareFloats(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	}
	return cmp.Compare(a, b)
}

func compareSignedUnsigned(i int64, u uint64) int {
	if i < 0 {
		return -1
	}
	return cmp.Compare(uint64(i), u)
}

// compareFloatInt compares f against the integer held in v.
func compareFloatInt(f float64, class numberClass, v reflect.Value) int {
	switch {
	case math.IsNaN(f):
		return 1
	case f < -two63:
		return -1
	case f >= 2*two63:
		return 1
	}
	whole, frac := math.Modf(f)
	var c int
	if class == signedClass {
		if whole >= two63 {
			return 1
		}
		c = cmp.Compare(int64(whole), v.Int())
	} else {
		if whole < 0 {
			return -1
		}
		c = cmp.Compare(uint64(whole), v.Uint())
	}
	if c != 0 {
		return c
	}
	return cmp.Compare(frac, 0)
}

// exactFloat reports v as a float64 when the conversion loses nothing.
// Integers beyond 2^53 that have no exact float64 form report false.
func exactFloat(v any) (float64, bool) {
	class, rv := classify(v)
	switch class {
	case floatClass:
		return rv.Float(), true
	case signedClass:
		f := float64(rv.Int())
		return f, f < two63 && int64(f) == rv.Int()
	case unsignedClass:
		f := float64(rv.Uint())
		return f, f < 2*two63 && uint64(f) == rv.Uint()
	}
	return 0, false
}
