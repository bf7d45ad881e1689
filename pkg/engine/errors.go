package engine

import (
	"errors"

	"github.com/fluxorio/ocworker/pkg/fvm"
)

// MaxArguments is the largest positional argument list CallJSON accepts.
const MaxArguments = 8

var (
	// ErrFunctionNotFound is returned when the program does not define the function.
	ErrFunctionNotFound = fvm.ErrMethodNotFound

	// ErrArity is returned when the argument count does not match the function.
	ErrArity = fvm.ErrArityMismatch

	// ErrTooManyArguments is returned for more than MaxArguments arguments.
	ErrTooManyArguments = errors.New("too many arguments")

	// ErrUnsupportedValue is returned for JSON values with no sandbox equivalent.
	ErrUnsupportedValue = errors.New("unsupported argument value")

	// ErrConversion is returned when a result cannot be converted to the requested type.
	ErrConversion = errors.New("result conversion failed")

	// ErrUnsupportedOutputType is returned for an output tag outside 1..7.
	ErrUnsupportedOutputType = errors.New("no support this type")

	// ErrNoProgram is returned by a run before any program was loaded.
	ErrNoProgram = errors.New("no program loaded")
)
