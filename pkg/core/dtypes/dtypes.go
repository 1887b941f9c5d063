// Package dtypes includes the DType enum for all element types known to the compiler.
//
// It is forked from GoMLX's dtypes package and kept aligned with the XLA numbering, extended with the
// float8 family used by quantized kernels and a Tuple pseudo-type for multi-output instructions.
//
// Besides the enum, it includes the numeric traits the optimization passes need: bit widths, the
// range of each integer type (for quantization saturation) and the rounding of float64 values to the
// nearest value representable in a dtype, which the interpreter uses to keep constant evaluation
// faithful to the declared element type.
package dtypes

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/graphopt/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code": invalid dtypes passed to the helpers below.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes, and the short aliases.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = MapOfNames[key]
		}
	}
	for alias, dtype := range map[string]DType{
		"F16": F16, "BF16": BF16, "F32": F32, "F64": F64,
		"I8": I8, "I16": I16, "I32": I32, "I64": I64,
		"U8": U8, "U16": U16, "U32": U32, "U64": U64,
	} {
		MapOfNames[alias] = dtype
		MapOfNames[strings.ToLower(alias)] = dtype
	}
}

// Parse returns the DType for the given name, as returned by DType.String, its lower-case version,
// or one of the short aliases ("f32", "i8", etc.).
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Bits returns the number of bits of one element of the given DType, or 0 for InvalidDType and Tuple.
func (dtype DType) Bits() int {
	switch dtype {
	case Bool, Int8, Uint8, F8E5M2, F8E4M3FN, F8E4M3B11FNUZ, F8E5M2FNUZ, F8E4M3FNUZ:
		return 8
	case Int16, Uint16, Float16, BFloat16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64, Complex64:
		return 64
	case Complex128:
		return 128
	default:
		return 0
	}
}

// Size returns the number of bytes for the given DType.
func (dtype DType) Size() int {
	return dtype.Bits() / 8
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panicf("dim cannot be negative for SizeForDimensions, got %v", dimensions)
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// Memory returns the number of bytes for the given DType.
// It's an alias to Size, converted to uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// IsFloat returns whether dtype is a float, including the float8 family.
// It returns false for complex numbers.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16 || dtype.IsFloat8()
}

// IsFloat16 returns whether dtype is a float with 16 bits: Float16 or BFloat16.
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsFloat8 returns whether dtype is one of the 8 bits float formats.
func (dtype DType) IsFloat8() bool {
	return dtype == F8E5M2 || dtype == F8E4M3FN || dtype == F8E4M3B11FNUZ || dtype == F8E5M2FNUZ || dtype == F8E4M3FNUZ
}

// IsComplex returns whether dtype is a complex number type.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// IsInt returns whether dtype is an integer type, signed or unsigned.
func (dtype DType) IsInt() bool {
	return dtype == Int64 || dtype == Int32 || dtype == Int16 || dtype == Int8 ||
		dtype == Uint8 || dtype == Uint16 || dtype == Uint32 || dtype == Uint64
}

// IsUnsigned returns whether dtype is one of the unsigned integer types.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint16 || dtype == Uint32 || dtype == Uint64
}

// IsNumber returns whether dtype is an integer, float or complex type.
func (dtype DType) IsNumber() bool {
	return dtype.IsInt() || dtype.IsFloat() || dtype.IsComplex()
}

// IsPromotableTo returns whether dtype can be promoted to target without loss.
//
// For example, Int32 can be promoted to Int64, but not to Uint64.
func (dtype DType) IsPromotableTo(target DType) bool {
	if dtype == target {
		return true
	}
	isSameKind := (dtype.IsInt() && target.IsInt() && dtype.IsUnsigned() == target.IsUnsigned()) ||
		(dtype.IsFloat() && target.IsFloat()) ||
		(dtype.IsComplex() && target.IsComplex())
	if !isSameKind {
		return false
	}
	return dtype.Bits() <= target.Bits()
}

// minifloat describes one of the float8 formats.
type minifloat struct {
	mantissaBits int
	minExponent  int // Exponent of the smallest normal value, also the exponent of subnormals.
	maxValue     float64
	hasInf       bool
}

var minifloats = map[DType]minifloat{
	F8E5M2:        {mantissaBits: 2, minExponent: -14, maxValue: 57344, hasInf: true},
	F8E4M3FN:      {mantissaBits: 3, minExponent: -6, maxValue: 448},
	F8E4M3B11FNUZ: {mantissaBits: 3, minExponent: -10, maxValue: 30},
	F8E5M2FNUZ:    {mantissaBits: 2, minExponent: -15, maxValue: 57344},
	F8E4M3FNUZ:    {mantissaBits: 3, minExponent: -7, maxValue: 240},
}

// LowestValue returns the lowest finite value representable by dtype, as a float64.
// For integer types it is the minimum integer; for floats it is the negative of HighestValue.
func (dtype DType) LowestValue() float64 {
	switch dtype {
	case Bool, Uint8, Uint16, Uint32, Uint64:
		return 0
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	case Int64:
		return math.MinInt64
	default:
		return -dtype.HighestValue()
	}
}

// HighestValue returns the highest finite value representable by dtype, as a float64.
func (dtype DType) HighestValue() float64 {
	switch dtype {
	case Bool:
		return 1
	case Int8:
		return math.MaxInt8
	case Int16:
		return math.MaxInt16
	case Int32:
		return math.MaxInt32
	case Int64:
		return math.MaxInt64
	case Uint8:
		return math.MaxUint8
	case Uint16:
		return math.MaxUint16
	case Uint32:
		return math.MaxUint32
	case Uint64:
		return math.MaxUint64
	case Float16:
		return float64(float16.Frombits(0x7bff).Float32())
	case BFloat16:
		return bfloat16.MaxValue.Float64()
	case Float32:
		return math.MaxFloat32
	case Float64:
		return math.MaxFloat64
	}
	if mf, found := minifloats[dtype]; found {
		return mf.maxValue
	}
	panicf("HighestValue not defined for dtype %s", dtype)
	return 0
}

// Round returns the value representable by dtype that is nearest to v (ties to even), saturating to the
// range of the dtype for integers and for the float8 formats without infinities.
//
// Bool values are normalized to 0 or 1.
func (dtype DType) Round(v float64) float64 {
	switch {
	case dtype == Float64 || dtype.IsComplex():
		return v
	case dtype == Float32:
		return float64(float32(v))
	case dtype == Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtype == BFloat16:
		return bfloat16.Round(v)
	case dtype == Bool:
		if v != 0 {
			return 1
		}
		return 0
	case dtype.IsInt():
		if math.IsNaN(v) {
			return 0
		}
		return saturate(math.RoundToEven(v), dtype.LowestValue(), dtype.HighestValue())
	case dtype.IsFloat8():
		return roundMinifloat(v, minifloats[dtype])
	}
	panicf("Round not defined for dtype %s", dtype)
	return 0
}

// Cast converts v to dtype the way a C cast would: integers truncate towards zero (saturating), floats round
// to the nearest representable value.
func (dtype DType) Cast(v float64) float64 {
	if dtype.IsInt() {
		if math.IsNaN(v) {
			return 0
		}
		return saturate(math.Trunc(v), dtype.LowestValue(), dtype.HighestValue())
	}
	return dtype.Round(v)
}

func saturate(v, lowest, highest float64) float64 {
	return min(max(v, lowest), highest)
}

func roundMinifloat(v float64, mf minifloat) float64 {
	if v == 0 || math.IsNaN(v) {
		return v
	}
	a := math.Abs(v)
	if a > mf.maxValue {
		if mf.hasInf && math.IsInf(a, 1) {
			return v
		}
		return math.Copysign(mf.maxValue, v)
	}
	_, exp := math.Frexp(a)
	e := max(exp-1, mf.minExponent)
	quantum := math.Ldexp(1, e-mf.mantissaBits)
	r := min(math.RoundToEven(a/quantum)*quantum, mf.maxValue)
	return math.Copysign(r, v)
}
