// Package bfloat16 is a small implementation of the bfloat16 type, based on https://github.com/x448/float16.
//
// Conversions from float32 round to the nearest even value, the behavior of hardware that supports the format.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) is a 16 bits floating-point format: a float32 with the 16 lower
// bits of the mantissa dropped. It keeps float32's dynamic range with reduced precision.
type BFloat16 uint16

// Float32 returns the float32 representation of f. It is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 returns the float64 representation of f. It is exact.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest even value.
// NaNs are kept as quiet NaNs.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7fff + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 converts a float64 to a BFloat16.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// Round returns x rounded to the nearest value representable as a BFloat16.
func Round(x float64) float64 {
	return FromFloat64(x).Float64()
}

// FromBits converts an uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits converts a BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity, a sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	if sign >= 0 {
		return BFloat16(0x7f80)
	}
	return BFloat16(0xff80)
}

// MaxValue is the largest finite BFloat16.
const MaxValue = BFloat16(0x7f7f)
