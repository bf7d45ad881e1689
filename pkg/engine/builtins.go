package engine

import (
	"context"

	"github.com/fluxorio/ocworker/pkg/fvm"
)

// RegisterBuiltins adds the native functions every worker exposes
// regardless of compute backend.
func RegisterBuiltins(hosts *fvm.Registry) error {
	return hosts.Register(fvm.HostFunction{
		Name:  "square",
		Arity: 1,
		Fn: func(ctx context.Context, args []*fvm.Value) (*fvm.Value, error) {
			n, err := args[0].AsInt()
			if err != nil {
				return nil, err
			}
			return fvm.NewIntValue(n * n), nil
		},
	})
}
