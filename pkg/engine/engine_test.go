package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxorio/ocworker/pkg/fvm"
)

const testProgram = `
.method add 2
    LOAD 0
    LOAD 1
    ADD
    RETVAL
.end

.method ident 1
    LOAD 0
    RETVAL
.end

.method sq 1
    LOAD 0
    HOST square
    RETVAL
.end

.method many 8
    LOAD 7
    RETVAL
.end

.method greet 1
    LOADSTRING "hello "
    LOAD 0
    ADD
    RETVAL
.end
`

func newHosts(t *testing.T) *fvm.Registry {
	t.Helper()
	hosts := fvm.NewRegistry()
	if err := RegisterBuiltins(hosts); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	return hosts
}

func newTestCode(t *testing.T) *DynamicCode {
	t.Helper()
	dc, err := New(testProgram, newHosts(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return dc
}

func TestNew_CompileError(t *testing.T) {
	_, err := New(".method broken 0\n    BOGUS\n.end", newHosts(t))
	var ce *fvm.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *fvm.CompileError, got %v", err)
	}
}

func TestCall_Typed(t *testing.T) {
	dc := newTestCode(t)
	ctx := context.Background()

	sum, err := Call[int](ctx, dc, "add", 2, 3)
	if err != nil || sum != 5 {
		t.Errorf("add(2, 3) = %d, %v; want 5", sum, err)
	}

	f, err := Call[float64](ctx, dc, "add", 1.25, 2)
	if err != nil || f != 3.25 {
		t.Errorf("add(1.25, 2) = %v, %v; want 3.25", f, err)
	}

	sq, err := Call[int64](ctx, dc, "sq", 9)
	if err != nil || sq != 81 {
		t.Errorf("sq(9) = %d, %v; want 81", sq, err)
	}

	list, err := Call[[]float32](ctx, dc, "ident", []float64{1, 2.5})
	if err != nil || len(list) != 2 || list[1] != 2.5 {
		t.Errorf("ident([1, 2.5]) = %v, %v", list, err)
	}
}

func TestCall_Errors(t *testing.T) {
	dc := newTestCode(t)
	ctx := context.Background()

	if _, err := Call[int](ctx, dc, "missing"); !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("expected ErrFunctionNotFound, got %v", err)
	}
	if _, err := Call[int](ctx, dc, "add", 1); !errors.Is(err, ErrArity) {
		t.Errorf("expected ErrArity, got %v", err)
	}
	if _, err := Call[int](ctx, dc, "greet", "x"); !errors.Is(err, ErrConversion) {
		t.Errorf("expected ErrConversion, got %v", err)
	}
	var rt *fvm.RuntimeError
	if _, err := Call[int](ctx, dc, "add", "a", 1); !errors.As(err, &rt) {
		t.Errorf("expected RuntimeError, got %v", err)
	}
}

func TestCallJSON_ArgumentShapes(t *testing.T) {
	dc := newTestCode(t)
	ctx := context.Background()

	// single non-array value becomes one argument
	n, err := CallJSONAs[int64](ctx, dc, "ident", "7")
	if err != nil || n != 7 {
		t.Errorf("ident(7) = %d, %v; want 7", n, err)
	}

	s, err := CallJSONAs[string](ctx, dc, "greet", `"gpu"`)
	if err != nil || s != "hello gpu" {
		t.Errorf("greet = %q, %v", s, err)
	}

	sum, err := CallJSONAs[int](ctx, dc, "add", "[40, 2]")
	if err != nil || sum != 42 {
		t.Errorf("add([40, 2]) = %d, %v; want 42", sum, err)
	}

	last, err := CallJSONAs[int](ctx, dc, "many", "[1,2,3,4,5,6,7,8]")
	if err != nil || last != 8 {
		t.Errorf("many(8 args) = %d, %v; want 8", last, err)
	}

	if _, err := dc.CallJSON(ctx, "many", "[1,2,3,4,5,6,7,8,9]"); !errors.Is(err, ErrTooManyArguments) {
		t.Errorf("expected ErrTooManyArguments for 9 args, got %v", err)
	}
	if _, err := dc.CallJSON(ctx, "ident", `{"a": 1}`); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue for object, got %v", err)
	}
	if _, err := dc.CallJSON(ctx, "ident", `[1`); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue for invalid JSON, got %v", err)
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`null`, "[null]"},
		{`true`, "[true]"},
		{`1.5`, "[1.5]"},
		{`[1, [2, 3], "x"]`, `[1, [2, 3], "x"]`},
		{`[]`, "[]"},
	}
	for _, tt := range tests {
		args, err := ParseArguments(tt.in)
		if err != nil {
			t.Errorf("ParseArguments(%q) error: %v", tt.in, err)
			continue
		}
		got := fvm.NewArrayValue(fvm.NewArrayOf(args...)).String()
		if got != tt.want {
			t.Errorf("ParseArguments(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseArguments_BlankIsNotJSON(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := ParseArguments(in); !errors.Is(err, ErrUnsupportedValue) {
			t.Errorf("ParseArguments(%q) error = %v, want ErrUnsupportedValue", in, err)
		}
	}

	dc := newTestCode(t)
	if _, err := dc.Run(context.Background(), "ident", "", OutputInt32); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("Run with blank arguments error = %v, want ErrUnsupportedValue", err)
	}
}

func TestRun_OutputTypes(t *testing.T) {
	dc := newTestCode(t)
	ctx := context.Background()

	tests := []struct {
		args   string
		output OutputType
		want   string
	}{
		{"42", OutputInt32, "42"},
		{"1.5", OutputFloat32, "1.5"},
		{"19", OutputFloat32, "19.0"},
		{`"s"`, OutputString, `"s"`},
		{"[[1, 2]]", OutputInt32Slice, "[1, 2]"},
		{"[[0.5, 2]]", OutputFloat32Slice, "[0.5, 2.0]"},
		{"[[[1], [2, 3]]]", OutputInt32Matrix, "[[1], [2, 3]]"},
		{"[[[19, 22], [43, 50]]]", OutputFloat32Matrix, "[[19.0, 22.0], [43.0, 50.0]]"},
	}

	for _, tt := range tests {
		t.Run(tt.output.String(), func(t *testing.T) {
			got, err := dc.Run(ctx, "ident", tt.args, tt.output)
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Run = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := dc.Run(ctx, "ident", "1", OutputType(8)); !errors.Is(err, ErrUnsupportedOutputType) {
		t.Errorf("expected ErrUnsupportedOutputType, got %v", err)
	}
	if _, err := dc.Run(ctx, "ident", "1.5", OutputInt32); !errors.Is(err, ErrConversion) {
		t.Errorf("expected ErrConversion for float as i32, got %v", err)
	}
	if _, err := dc.Run(ctx, "ident", "3000000000", OutputInt32); !errors.Is(err, ErrConversion) {
		t.Errorf("expected ErrConversion for i32 overflow, got %v", err)
	}
}

func TestDebugString_Floats(t *testing.T) {
	tests := map[float32]string{
		0:       "0.0",
		-2:      "-2.0",
		0.1:     "0.1",
		1e20:    "1e20",
		0.00001: "1e-5",
		0.0001:  "0.0001",
	}
	for in, want := range tests {
		if got := DebugString(in); got != want {
			t.Errorf("DebugString(%v) = %s, want %s", in, got, want)
		}
	}
}
