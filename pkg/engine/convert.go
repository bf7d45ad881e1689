package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"github.com/fluxorio/ocworker/pkg/fvm"
)

var valueType = reflect.TypeOf((*fvm.Value)(nil))

// ParseArguments decodes a JSON argument string. A JSON array is the
// positional argument list; any other value is a single argument. Blank
// input is not JSON and is rejected; "[]" passes no arguments.
func ParseArguments(jsonArgs string) ([]*fvm.Value, error) {
	if strings.TrimSpace(jsonArgs) == "" {
		return nil, fmt.Errorf("%w: invalid JSON arguments: empty input", ErrUnsupportedValue)
	}

	dec := json.NewDecoder(strings.NewReader(jsonArgs))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON arguments: %v", ErrUnsupportedValue, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON arguments", ErrUnsupportedValue)
	}

	list, isArray := raw.([]interface{})
	if !isArray {
		list = []interface{}{raw}
	}
	if len(list) > MaxArguments {
		return nil, ErrTooManyArguments
	}

	args := make([]*fvm.Value, len(list))
	for i, item := range list {
		v, err := FromJSON(item)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// FromJSON converts a value decoded with json.Decoder.UseNumber into a
// sandbox value. Objects are not supported.
func FromJSON(raw interface{}) (*fvm.Value, error) {
	switch x := raw.(type) {
	case nil:
		return fvm.NewNullValue(), nil
	case bool:
		return fvm.NewBoolValue(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return fvm.NewIntValue(n), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %s", ErrUnsupportedValue, x)
		}
		return fvm.NewFloatValue(f), nil
	case float64:
		return fvm.NewFloatValue(x), nil
	case string:
		return fvm.NewStringValue(x), nil
	case []interface{}:
		elems := make([]*fvm.Value, len(x))
		for i, item := range x {
			v, err := FromJSON(item)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return fvm.NewArrayValue(fvm.NewArrayOf(elems...)), nil
	case map[string]interface{}:
		return nil, fmt.Errorf("%w: JSON objects are not supported", ErrUnsupportedValue)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
}

// ToValue converts a Go value into a sandbox value. Supported are nil,
// booleans, integers, floats, strings, *fvm.Value and slices or arrays of
// those.
func ToValue(x interface{}) (*fvm.Value, error) {
	if x == nil {
		return fvm.NewNullValue(), nil
	}
	if v, ok := x.(*fvm.Value); ok {
		return v, nil
	}
	return toValue(reflect.ValueOf(x))
}

func toValue(rv reflect.Value) (*fvm.Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return fvm.NewBoolValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fvm.NewIntValue(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, u)
		}
		return fvm.NewIntValue(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return fvm.NewFloatValue(rv.Float()), nil
	case reflect.String:
		return fvm.NewStringValue(rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return fvm.NewNullValue(), nil
		}
		elems := make([]*fvm.Value, rv.Len())
		for i := range elems {
			v, err := toValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return fvm.NewArrayValue(fvm.NewArrayOf(elems...)), nil
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return fvm.NewNullValue(), nil
		}
		if rv.Type() == valueType {
			return rv.Interface().(*fvm.Value), nil
		}
		return toValue(rv.Elem())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, rv.Type())
	}
}

// FromValue converts a sandbox value into T.
func FromValue[T any](v *fvm.Value) (T, error) {
	var out T
	if v == nil {
		return out, fmt.Errorf("%w: nil value", ErrConversion)
	}
	if p, ok := any(&out).(**fvm.Value); ok {
		*p = v
		return out, nil
	}
	if err := assign(reflect.ValueOf(&out).Elem(), v); err != nil {
		return out, err
	}
	return out, nil
}

func assign(dst reflect.Value, v *fvm.Value) error {
	mismatch := func() error {
		return fmt.Errorf("%w: cannot convert %s to %s", ErrConversion, v.Type, dst.Type())
	}

	switch dst.Kind() {
	case reflect.Interface:
		if dst.NumMethod() != 0 {
			return mismatch()
		}
		if g := ToGo(v); g != nil {
			dst.Set(reflect.ValueOf(g))
		}
		return nil
	case reflect.Bool:
		b, err := v.AsBool()
		if err != nil {
			return mismatch()
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := v.AsInt()
		if err != nil {
			return mismatch()
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("%w: %d overflows %s", ErrConversion, n, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := v.AsInt()
		if err != nil {
			return mismatch()
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("%w: %d overflows %s", ErrConversion, n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := v.AsNumber()
		if err != nil {
			return mismatch()
		}
		dst.SetFloat(f)
		return nil
	case reflect.String:
		s, err := v.AsString()
		if err != nil {
			return mismatch()
		}
		dst.SetString(s)
		return nil
	case reflect.Slice:
		arr, err := v.AsArray()
		if err != nil {
			return mismatch()
		}
		out := reflect.MakeSlice(dst.Type(), arr.Len(), arr.Len())
		for i, elem := range arr.Elements {
			if err := assign(out.Index(i), elem); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil
	default:
		return mismatch()
	}
}

// ToGo converts a sandbox value into plain Go values: nil, bool, int64,
// float64, string or []interface{}.
func ToGo(v *fvm.Value) interface{} {
	switch v.Type {
	case fvm.TypeBool, fvm.TypeInt, fvm.TypeFloat, fvm.TypeString:
		return v.Data
	case fvm.TypeArray:
		arr := v.Data.(*fvm.Array)
		out := make([]interface{}, arr.Len())
		for i, e := range arr.Elements {
			out[i] = ToGo(e)
		}
		return out
	default:
		return nil
	}
}

// ToJSON renders a sandbox value as JSON.
func ToJSON(v *fvm.Value) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(ToGo(v)); err != nil {
		return "", errors.Join(ErrConversion, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
