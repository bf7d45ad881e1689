package core

import "errors"

// Error is a coded error used by the JSON helpers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrInvalidInput is matched by errors.Is for every *Error with code INVALID_INPUT.
var ErrInvalidInput = errors.New("invalid input")

// Is reports whether target is ErrInvalidInput and e carries that code.
func (e *Error) Is(target error) bool {
	return target == ErrInvalidInput && e.Code == "INVALID_INPUT"
}
