package fvm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType represents the type of a value.
type ValueType int

const (
	TypeVoid ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeArray
	TypeNull
)

func (t ValueType) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeNull:
		return "null"
	default:
		return "unknown"
	}
}

// Value represents a runtime value in the VM.
type Value struct {
	Type ValueType
	Data interface{}
}

// NewVoidValue creates a void value.
func NewVoidValue() *Value {
	return &Value{Type: TypeVoid, Data: nil}
}

// NewBoolValue creates a boolean value.
func NewBoolValue(b bool) *Value {
	return &Value{Type: TypeBool, Data: b}
}

// NewIntValue creates an integer value.
func NewIntValue(i int64) *Value {
	return &Value{Type: TypeInt, Data: i}
}

// NewFloatValue creates a float value.
func NewFloatValue(f float64) *Value {
	return &Value{Type: TypeFloat, Data: f}
}

// NewStringValue creates a string value.
func NewStringValue(s string) *Value {
	return &Value{Type: TypeString, Data: s}
}

// NewArrayValue creates an array value.
func NewArrayValue(arr *Array) *Value {
	return &Value{Type: TypeArray, Data: arr}
}

// NewNullValue creates a null value.
func NewNullValue() *Value {
	return &Value{Type: TypeNull, Data: nil}
}

// NewFloatArrayValue wraps a float slice as an array value.
func NewFloatArrayValue(fs []float64) *Value {
	elems := make([]*Value, len(fs))
	for i, f := range fs {
		elems[i] = NewFloatValue(f)
	}
	return NewArrayValue(NewArrayOf(elems...))
}

// NewIntArrayValue wraps an int slice as an array value.
func NewIntArrayValue(is []int64) *Value {
	elems := make([]*Value, len(is))
	for i, n := range is {
		elems[i] = NewIntValue(n)
	}
	return NewArrayValue(NewArrayOf(elems...))
}

// AsBool returns the value as a boolean.
func (v *Value) AsBool() (bool, error) {
	if v.Type != TypeBool {
		return false, fmt.Errorf("value is not boolean (got %s)", v.Type)
	}
	return v.Data.(bool), nil
}

// AsInt returns the value as an integer.
func (v *Value) AsInt() (int64, error) {
	if v.Type != TypeInt {
		return 0, fmt.Errorf("value is not integer (got %s)", v.Type)
	}
	return v.Data.(int64), nil
}

// AsFloat returns the value as a float.
func (v *Value) AsFloat() (float64, error) {
	if v.Type != TypeFloat {
		return 0, fmt.Errorf("value is not float (got %s)", v.Type)
	}
	return v.Data.(float64), nil
}

// AsNumber returns an int or float value as float64.
func (v *Value) AsNumber() (float64, error) {
	switch v.Type {
	case TypeInt:
		return float64(v.Data.(int64)), nil
	case TypeFloat:
		return v.Data.(float64), nil
	default:
		return 0, fmt.Errorf("value is not numeric (got %s)", v.Type)
	}
}

// AsString returns the value as a string.
func (v *Value) AsString() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("value is not string (got %s)", v.Type)
	}
	return v.Data.(string), nil
}

// AsArray returns the value as an array.
func (v *Value) AsArray() (*Array, error) {
	if v.Type != TypeArray {
		return nil, fmt.Errorf("value is not array (got %s)", v.Type)
	}
	return v.Data.(*Array), nil
}

// AsFloatSlice returns a numeric array as []float64.
func (v *Value) AsFloatSlice() ([]float64, error) {
	arr, err := v.AsArray()
	if err != nil {
		return nil, err
	}
	out := make([]float64, arr.Len())
	for i, e := range arr.Elements {
		f, err := e.AsNumber()
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}

// AsFloatMatrix returns an array of numeric arrays as [][]float64.
func (v *Value) AsFloatMatrix() ([][]float64, error) {
	arr, err := v.AsArray()
	if err != nil {
		return nil, err
	}
	out := make([][]float64, arr.Len())
	for i, row := range arr.Elements {
		fs, err := row.AsFloatSlice()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = fs
	}
	return out, nil
}

// IsTruthy returns true if the value is considered true.
func (v *Value) IsTruthy() bool {
	switch v.Type {
	case TypeBool:
		return v.Data.(bool)
	case TypeInt:
		return v.Data.(int64) != 0
	case TypeFloat:
		return v.Data.(float64) != 0.0
	case TypeString:
		return v.Data.(string) != ""
	case TypeArray:
		return v.Data.(*Array).Len() > 0
	case TypeNull, TypeVoid:
		return false
	default:
		return v.Data != nil
	}
}

// IsNull returns true if the value is null.
func (v *Value) IsNull() bool {
	return v.Type == TypeNull
}

func (v *Value) isNumeric() bool {
	return v.Type == TypeInt || v.Type == TypeFloat
}

// Equals checks if two values are equal. Ints and floats compare numerically.
func (v *Value) Equals(other *Value) bool {
	if v.isNumeric() && other.isNumeric() && v.Type != other.Type {
		a, _ := v.AsNumber()
		b, _ := other.AsNumber()
		return a == b
	}
	if v.Type != other.Type {
		return false
	}
	if v.Type == TypeArray {
		a, b := v.Data.(*Array), other.Data.(*Array)
		if a.Len() != b.Len() {
			return false
		}
		for i := range a.Elements {
			if !a.Elements[i].Equals(b.Elements[i]) {
				return false
			}
		}
		return true
	}
	return v.Data == other.Data
}

// String returns a string representation of the value. Strings are quoted.
func (v *Value) String() string {
	switch v.Type {
	case TypeVoid:
		return "void"
	case TypeNull:
		return "null"
	case TypeBool:
		return strconv.FormatBool(v.Data.(bool))
	case TypeInt:
		return strconv.FormatInt(v.Data.(int64), 10)
	case TypeFloat:
		return formatFloat(v.Data.(float64))
	case TypeString:
		return strconv.Quote(v.Data.(string))
	case TypeArray:
		arr := v.Data.(*Array)
		parts := make([]string, len(arr.Elements))
		for i, e := range arr.Elements {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}

// Display is String without quotes around strings.
func (v *Value) Display() string {
	if v.Type == TypeString {
		return v.Data.(string)
	}
	return v.String()
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// Clone creates a deep copy of the value.
func (v *Value) Clone() *Value {
	if v.Type == TypeArray {
		return NewArrayValue(v.Data.(*Array).Clone())
	}
	return &Value{Type: v.Type, Data: v.Data}
}

// Array represents a runtime array. Arrays are shared by reference.
type Array struct {
	Elements []*Value
}

// NewArray creates an array of size null elements.
func NewArray(size int) *Array {
	arr := &Array{Elements: make([]*Value, size)}
	for i := range arr.Elements {
		arr.Elements[i] = NewNullValue()
	}
	return arr
}

// NewArrayOf creates an array holding elems.
func NewArrayOf(elems ...*Value) *Array {
	return &Array{Elements: elems}
}

// Get returns an element at index.
func (a *Array) Get(index int) (*Value, error) {
	if index < 0 || index >= len(a.Elements) {
		return nil, fmt.Errorf("array index out of bounds: %d (len %d)", index, len(a.Elements))
	}
	return a.Elements[index], nil
}

// Set sets an element at index.
func (a *Array) Set(index int, value *Value) error {
	if index < 0 || index >= len(a.Elements) {
		return fmt.Errorf("array index out of bounds: %d (len %d)", index, len(a.Elements))
	}
	a.Elements[index] = value
	return nil
}

// Append adds value at the end.
func (a *Array) Append(value *Value) {
	a.Elements = append(a.Elements, value)
}

// Len returns the array length.
func (a *Array) Len() int {
	return len(a.Elements)
}

// Clone creates a deep copy of the array.
func (a *Array) Clone() *Array {
	clone := &Array{Elements: make([]*Value, len(a.Elements))}
	for i, v := range a.Elements {
		if v != nil {
			clone.Elements[i] = v.Clone()
		}
	}
	return clone
}
