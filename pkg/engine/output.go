package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fluxorio/ocworker/pkg/fvm"
)

// OutputType selects the shape a run result is converted to before it is
// rendered as text.
type OutputType int16

const (
	OutputInt32         OutputType = 1
	OutputFloat32       OutputType = 2
	OutputString        OutputType = 3
	OutputInt32Slice    OutputType = 4
	OutputFloat32Slice  OutputType = 5
	OutputInt32Matrix   OutputType = 6
	OutputFloat32Matrix OutputType = 7
)

func (o OutputType) String() string {
	switch o {
	case OutputInt32:
		return "i32"
	case OutputFloat32:
		return "f32"
	case OutputString:
		return "string"
	case OutputInt32Slice:
		return "[]i32"
	case OutputFloat32Slice:
		return "[]f32"
	case OutputInt32Matrix:
		return "[][]i32"
	case OutputFloat32Matrix:
		return "[][]f32"
	default:
		return fmt.Sprintf("OutputType(%d)", int16(o))
	}
}

// Valid reports whether o is one of the supported tags.
func (o OutputType) Valid() bool {
	return o >= OutputInt32 && o <= OutputFloat32Matrix
}

// ConvertOutput converts v to the Go type selected by o.
func ConvertOutput(v *fvm.Value, o OutputType) (interface{}, error) {
	switch o {
	case OutputInt32:
		return FromValue[int32](v)
	case OutputFloat32:
		return FromValue[float32](v)
	case OutputString:
		return FromValue[string](v)
	case OutputInt32Slice:
		return FromValue[[]int32](v)
	case OutputFloat32Slice:
		return FromValue[[]float32](v)
	case OutputInt32Matrix:
		return FromValue[[][]int32](v)
	case OutputFloat32Matrix:
		return FromValue[[][]float32](v)
	default:
		return nil, ErrUnsupportedOutputType
	}
}

// RenderOutput converts v by o and renders it in debug notation.
func RenderOutput(v *fvm.Value, o OutputType) (string, error) {
	out, err := ConvertOutput(v, o)
	if err != nil {
		return "", err
	}
	return DebugString(out), nil
}

// DebugString renders converted results the way the coordinator expects:
// floats always carry a fraction ("19.0"), strings are quoted and lists
// are bracketed with ", " separators.
func DebugString(x interface{}) string {
	switch v := x.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float32:
		return formatF32(v)
	case string:
		return strconv.Quote(v)
	case []int32:
		return joinDebug(len(v), func(i int) string { return DebugString(v[i]) })
	case []float32:
		return joinDebug(len(v), func(i int) string { return DebugString(v[i]) })
	case [][]int32:
		return joinDebug(len(v), func(i int) string { return DebugString(v[i]) })
	case [][]float32:
		return joinDebug(len(v), func(i int) string { return DebugString(v[i]) })
	default:
		return fmt.Sprintf("%v", x)
	}
}

func joinDebug(n int, item func(i int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = item(i)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatF32(f float32) string {
	f64 := float64(f)
	switch {
	case math.IsNaN(f64):
		return "NaN"
	case math.IsInf(f64, 1):
		return "inf"
	case math.IsInf(f64, -1):
		return "-inf"
	}

	sci := strconv.FormatFloat(f64, 'e', -1, 32)
	mant, exp, _ := strings.Cut(sci, "e")
	if e, err := strconv.Atoi(exp); err == nil && f != 0 && (e < -4 || e >= 16) {
		return mant + "e" + strconv.Itoa(e)
	}

	s := strconv.FormatFloat(f64, 'f', -1, 32)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
