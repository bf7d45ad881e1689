// Package failfast turns violated preconditions into immediate panics.
// It is reserved for programmer errors in constructors and wiring; runtime
// failures are returned as errors.
package failfast

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// Err panics if err != nil, attaching the stack trace.
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// If panics if condition is false
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics if ptr is nil, including typed nil pointers, funcs, maps,
// channels and interfaces wrapping them.
func NotNil(ptr interface{}, name string) {
	if ptr == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	v := reflect.ValueOf(ptr)
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			panic(fmt.Errorf("fail-fast: %s is nil", name))
		}
	}
}

// InRange panics unless 0 <= index < size.
func InRange(index, size int, name string) {
	if index < 0 || index >= size {
		panic(fmt.Errorf("fail-fast: %s %d out of range [0, %d)", name, index, size))
	}
}
