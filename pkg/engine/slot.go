package engine

import (
	"context"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/core/failfast"
	"github.com/fluxorio/ocworker/pkg/fvm"
	"github.com/fluxorio/ocworker/pkg/reactor"
)

// ProgramSlot holds the single program a worker has loaded. The program
// is only read or replaced from closures running on the owning reactor, so
// a reload never interleaves with a run.
type ProgramSlot struct {
	owner  *reactor.Reactor
	hosts  *fvm.Registry
	logger core.Logger
	opts   []Option

	program *DynamicCode
}

// NewProgramSlot creates an empty slot owned by r. r must be started
// before Load or Run are used.
func NewProgramSlot(r *reactor.Reactor, hosts *fvm.Registry, logger core.Logger, opts ...Option) *ProgramSlot {
	failfast.NotNil(r, "reactor")
	failfast.NotNil(hosts, "hosts")
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &ProgramSlot{
		owner:  r,
		hosts:  hosts,
		logger: logger,
		opts:   append([]Option{WithLogger(logger)}, opts...),
	}
}

// Load compiles source and, only if that succeeds, replaces the current
// program. A failed load leaves the previous program in place. Compilation
// runs on the owning reactor, so loads and runs take effect in the order
// they were issued; a load whose ctx ends before its turn changes nothing.
func (s *ProgramSlot) Load(ctx context.Context, source string) error {
	return s.owner.Call(ctx, func() error {
		dc, err := New(source, s.hosts, s.opts...)
		if err != nil {
			return err
		}
		replaced := s.program != nil
		s.program = dc
		if replaced {
			s.logger.Infof("program replaced, functions: %v", dc.Functions())
		} else {
			s.logger.Infof("program loaded, functions: %v", dc.Functions())
		}
		return nil
	})
}

// Do runs fn with the current program on the owning reactor.
func (s *ProgramSlot) Do(ctx context.Context, fn func(dc *DynamicCode) error) error {
	return s.owner.Call(ctx, func() error {
		if s.program == nil {
			return ErrNoProgram
		}
		return fn(s.program)
	})
}

// Run invokes name on the current program and renders the result.
func (s *ProgramSlot) Run(ctx context.Context, name, jsonArgs string, output OutputType) (string, error) {
	var text string
	err := s.Do(ctx, func(dc *DynamicCode) error {
		var err error
		text, err = dc.Run(ctx, name, jsonArgs, output)
		return err
	})
	return text, err
}

// Loaded reports whether a program is present.
func (s *ProgramSlot) Loaded(ctx context.Context) (bool, error) {
	var loaded bool
	err := s.owner.Call(ctx, func() error {
		loaded = s.program != nil
		return nil
	})
	return loaded, err
}
