package tensors

import (
	"bytes"
	"fmt"
	"strings"
)

// String implements fmt.Stringer, with a summary of the tensor's content.
func (t *Tensor) String() string {
	return t.Summary(4)
}

// Summary returns a multi-line summary of the Tensor's content, with values printed with the given precision.
// Rows longer than 6 elements are elided. Inspired by numpy output.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	dtype := t.DType()
	wValue := func(v float64) {
		if dtype.IsInt() {
			w("%d", int64(v))
			return
		}
		w("%.*g", precision, v)
	}

	w("%s", t.shape)
	values := t.Flat()
	dims := t.shape.Dimensions
	if len(dims) == 0 {
		w("(")
		wValue(values[0])
		w(")")
		return buf.String()
	}

	var printElements func(index, indent int, dims []int)
	printElements = func(index, indent int, dims []int) {
		w("{")
		if len(dims) == 1 {
			for i := range dims[0] {
				if dims[0] > 6 && i == 3 {
					w(", ...")
				}
				if dims[0] > 6 && i >= 3 && i < dims[0]-3 {
					continue
				}
				if i > 0 {
					w(", ")
				}
				wValue(values[index+i])
			}
			w("}")
			return
		}
		stride := 1
		for _, dim := range dims[1:] {
			stride *= dim
		}
		indentStr := strings.Repeat(" ", indent+1)
		for i := range dims[0] {
			if i > 0 {
				w(",\n%s", indentStr)
			}
			printElements(index+i*stride, indent+1, dims[1:])
		}
		w("}")
	}
	printElements(0, 0, dims)
	return buf.String()
}
