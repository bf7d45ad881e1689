package gpu

import "errors"

var (
	// ErrNoAdapter is returned when no compute adapter is available.
	ErrNoAdapter = errors.New("gpu: failed to find an appropriate adapter")

	// ErrDeviceLost is returned for operations on a destroyed device.
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrDimensionMismatch is returned when operand shapes are incompatible.
	// It is detected before any device work is issued.
	ErrDimensionMismatch = errors.New("gpu: dimension mismatch")

	// ErrDeviceValidation is returned when the device rejected the work
	// submitted for a call; the readback contents are not trustworthy.
	ErrDeviceValidation = errors.New("gpu: validation error")

	// ErrMapAborted is delivered to a MapAsync callback when the buffer is
	// destroyed or unmapped before the mapping completes.
	ErrMapAborted = errors.New("gpu: map aborted")
)

// ValidationError describes a single rejected device operation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}
