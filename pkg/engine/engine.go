// Package engine loads program text into the sandbox VM and invokes its
// functions with Go or JSON arguments.
package engine

import (
	"context"
	"fmt"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/fvm"
)

// DynamicCode is a compiled program. It is immutable and safe for
// concurrent invocation; every call gets its own VM.
type DynamicCode struct {
	module *fvm.Module
	logger core.Logger
	opts   []fvm.Option
}

// Option configures a DynamicCode.
type Option func(*DynamicCode)

// WithLogger routes program PRINT output to logger.
func WithLogger(logger core.Logger) Option {
	return func(dc *DynamicCode) {
		if logger != nil {
			dc.logger = logger
		}
	}
}

// WithMaxCallDepth limits nested calls inside the program.
func WithMaxCallDepth(depth int) Option {
	return func(dc *DynamicCode) {
		dc.opts = append(dc.opts, fvm.WithMaxCallDepth(depth))
	}
}

// New compiles source against the host functions currently in hosts.
// On failure the returned error is a *fvm.CompileError.
func New(source string, hosts *fvm.Registry, opts ...Option) (*DynamicCode, error) {
	module, err := fvm.Compile("main", source, hosts)
	if err != nil {
		return nil, err
	}
	dc := &DynamicCode{
		module: module,
		logger: core.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(dc)
	}
	return dc, nil
}

// Functions returns the names of the functions the program defines.
func (dc *DynamicCode) Functions() []string {
	return dc.module.MethodNames()
}

// Invoke runs name with sandbox values.
func (dc *DynamicCode) Invoke(ctx context.Context, name string, args ...*fvm.Value) (*fvm.Value, error) {
	opts := append([]fvm.Option{fvm.WithLogger(dc.logger)}, dc.opts...)
	return fvm.NewVM(dc.module, opts...).Invoke(ctx, name, args...)
}

// CallJSON runs name with arguments decoded from jsonArgs.
func (dc *DynamicCode) CallJSON(ctx context.Context, name, jsonArgs string) (*fvm.Value, error) {
	args, err := ParseArguments(jsonArgs)
	if err != nil {
		return nil, err
	}
	return dc.Invoke(ctx, name, args...)
}

// Run runs name with JSON arguments and renders the result selected by output.
// The output tag is checked before the program runs.
func (dc *DynamicCode) Run(ctx context.Context, name, jsonArgs string, output OutputType) (string, error) {
	if !output.Valid() {
		return "", ErrUnsupportedOutputType
	}
	result, err := dc.CallJSON(ctx, name, jsonArgs)
	if err != nil {
		return "", err
	}
	return RenderOutput(result, output)
}

// Call runs name with Go arguments and converts the result to T.
func Call[T any](ctx context.Context, dc *DynamicCode, name string, args ...interface{}) (T, error) {
	var zero T
	values := make([]*fvm.Value, len(args))
	for i, arg := range args {
		v, err := ToValue(arg)
		if err != nil {
			return zero, fmt.Errorf("argument %d: %w", i, err)
		}
		values[i] = v
	}
	result, err := dc.Invoke(ctx, name, values...)
	if err != nil {
		return zero, err
	}
	return FromValue[T](result)
}

// CallJSONAs is CallJSON with the result converted to T.
func CallJSONAs[T any](ctx context.Context, dc *DynamicCode, name, jsonArgs string) (T, error) {
	var zero T
	result, err := dc.CallJSON(ctx, name, jsonArgs)
	if err != nil {
		return zero, err
	}
	return FromValue[T](result)
}
