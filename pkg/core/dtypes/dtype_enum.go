package dtypes

import "strconv"

// DType is an enum that represents the element type of a tensor, or of the value produced by an
// instruction.
//
// The numbering follows the XLA/PJRT buffer types, so values can be exchanged with backends that use
// that convention. Tuple is a pseudo-type used by instructions with multiple outputs.
type DType int32

const (
	// InvalidDType is the zero value, used to mark invalid or unset types.
	InvalidDType DType = 0

	// Bool holds two-state booleans.
	Bool DType = 1

	// Int8 and the following are signed integral values of fixed width.
	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	// Uint8 and the following are unsigned integral values of fixed width.
	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision float.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the truncated 16 bits floating-point format: 1 sign bit, 8 exponent bits and
	// 7 mantissa bits.
	BFloat16 DType = 13

	Complex64  DType = 14
	Complex128 DType = 15

	// F8E5M2 and the following are the float8 family, see https://arxiv.org/abs/2209.05433.
	//
	// The "FN" suffix means finite only (no infinities), "UZ" means unsigned zero: there is no negative
	// zero and the bit pattern of negative zero is used for NaN.
	F8E5M2        DType = 16
	F8E4M3FN      DType = 17
	F8E4M3B11FNUZ DType = 18
	F8E5M2FNUZ    DType = 19
	F8E4M3FNUZ    DType = 20

	// Tuple is used for the shape of instructions that return multiple values.
	Tuple DType = 64
)

// Aliases.
const (
	PRED = Bool
	I8   = Int8
	I16  = Int16
	I32  = Int32
	I64  = Int64
	U8   = Uint8
	U16  = Uint16
	U32  = Uint32
	U64  = Uint64
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	F64  = Float64
)

// MapOfNames maps a name (as returned by String) to its DType.
// The lower case version of each name is also included.
var MapOfNames = map[string]DType{
	"InvalidDType":  InvalidDType,
	"Bool":          Bool,
	"Int8":          Int8,
	"Int16":         Int16,
	"Int32":         Int32,
	"Int64":         Int64,
	"Uint8":         Uint8,
	"Uint16":        Uint16,
	"Uint32":        Uint32,
	"Uint64":        Uint64,
	"Float16":       Float16,
	"Float32":       Float32,
	"Float64":       Float64,
	"BFloat16":      BFloat16,
	"Complex64":     Complex64,
	"Complex128":    Complex128,
	"F8E5M2":        F8E5M2,
	"F8E4M3FN":      F8E4M3FN,
	"F8E4M3B11FNUZ": F8E4M3B11FNUZ,
	"F8E5M2FNUZ":    F8E5M2FNUZ,
	"F8E4M3FNUZ":    F8E4M3FNUZ,
	"Tuple":         Tuple,
}

var dtypeNames = func() map[DType]string {
	names := make(map[DType]string, len(MapOfNames))
	for name, dtype := range MapOfNames {
		names[dtype] = name
	}
	return names
}()

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}
