package fvm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errStackOverflow  = errors.New("stack overflow")
	errStackUnderflow = errors.New("stack underflow")
)

// OperandStack is a stack for VM values during execution.
type OperandStack struct {
	values  []*Value
	maxSize int
}

// NewOperandStack creates a new operand stack.
func NewOperandStack(maxSize int) *OperandStack {
	return &OperandStack{
		values:  make([]*Value, 0, 16),
		maxSize: maxSize,
	}
}

// Push pushes a value onto the stack.
func (s *OperandStack) Push(value *Value) error {
	if len(s.values) >= s.maxSize {
		return errStackOverflow
	}
	s.values = append(s.values, value)
	return nil
}

// Pop pops a value from the stack.
func (s *OperandStack) Pop() (*Value, error) {
	n := len(s.values)
	if n == 0 {
		return nil, errStackUnderflow
	}
	v := s.values[n-1]
	s.values[n-1] = nil
	s.values = s.values[:n-1]
	return v, nil
}

// PopN pops n values and returns them in push order.
func (s *OperandStack) PopN(n int) ([]*Value, error) {
	if n > len(s.values) {
		return nil, errStackUnderflow
	}
	start := len(s.values) - n
	out := make([]*Value, n)
	copy(out, s.values[start:])
	for i := start; i < len(s.values); i++ {
		s.values[i] = nil
	}
	s.values = s.values[:start]
	return out, nil
}

// Peek returns the top value without popping.
func (s *OperandStack) Peek() (*Value, error) {
	if len(s.values) == 0 {
		return nil, fmt.Errorf("stack is empty")
	}
	return s.values[len(s.values)-1], nil
}

// Dup duplicates the top value.
func (s *OperandStack) Dup() error {
	top, err := s.Peek()
	if err != nil {
		return err
	}
	return s.Push(top)
}

// Swap swaps the top two values.
func (s *OperandStack) Swap() error {
	n := len(s.values)
	if n < 2 {
		return fmt.Errorf("need at least 2 values on stack")
	}
	s.values[n-1], s.values[n-2] = s.values[n-2], s.values[n-1]
	return nil
}

// Size returns the current stack size.
func (s *OperandStack) Size() int {
	return len(s.values)
}

// String returns a string representation of the stack.
func (s *OperandStack) String() string {
	parts := make([]string, len(s.values))
	for i, v := range s.values {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Frame represents a call frame in the VM.
type Frame struct {
	Method *Method       // Method being executed
	PC     int           // Program counter
	Stack  *OperandStack // Operand stack for this frame
	Locals []*Value      // Local variables
}

// NewFrame creates a new call frame.
func NewFrame(method *Method, maxStack int, maxLocals int) *Frame {
	return &Frame{
		Method: method,
		Stack:  NewOperandStack(maxStack),
		Locals: make([]*Value, maxLocals),
	}
}

// GetLocal gets a local variable.
func (f *Frame) GetLocal(index int) (*Value, error) {
	if index < 0 || index >= len(f.Locals) {
		return nil, fmt.Errorf("local variable index out of bounds: %d", index)
	}
	val := f.Locals[index]
	if val == nil {
		return nil, fmt.Errorf("local variable %d not initialized", index)
	}
	return val, nil
}

// SetLocal sets a local variable.
func (f *Frame) SetLocal(index int, value *Value) error {
	if index < 0 || index >= len(f.Locals) {
		return fmt.Errorf("local variable index out of bounds: %d", index)
	}
	f.Locals[index] = value
	return nil
}

// String returns a string representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{method=%s, pc=%d, stack=%s}",
		f.Method.Name, f.PC, f.Stack.String())
}

// CallStack manages the call frames.
type CallStack struct {
	frames   []*Frame
	maxDepth int
}

// NewCallStack creates a new call stack.
func NewCallStack(maxDepth int) *CallStack {
	return &CallStack{
		frames:   make([]*Frame, 0, 8),
		maxDepth: maxDepth,
	}
}

// Push pushes a new frame onto the call stack.
func (cs *CallStack) Push(frame *Frame) error {
	if len(cs.frames) >= cs.maxDepth {
		return fmt.Errorf("call stack overflow (max depth: %d)", cs.maxDepth)
	}
	cs.frames = append(cs.frames, frame)
	return nil
}

// Pop pops the current frame from the call stack.
func (cs *CallStack) Pop() (*Frame, error) {
	n := len(cs.frames)
	if n == 0 {
		return nil, fmt.Errorf("call stack underflow")
	}
	frame := cs.frames[n-1]
	cs.frames[n-1] = nil
	cs.frames = cs.frames[:n-1]
	return frame, nil
}

// Current returns the current frame.
func (cs *CallStack) Current() (*Frame, error) {
	if len(cs.frames) == 0 {
		return nil, fmt.Errorf("no current frame")
	}
	return cs.frames[len(cs.frames)-1], nil
}

// Depth returns the current call stack depth.
func (cs *CallStack) Depth() int {
	return len(cs.frames)
}

// GetTrace returns a stack trace, innermost frame first. PC is the
// instruction being executed.
func (cs *CallStack) GetTrace() []string {
	trace := make([]string, 0, len(cs.frames))
	for i := len(cs.frames) - 1; i >= 0; i-- {
		frame := cs.frames[i]
		pc := frame.PC - 1
		if pc < 0 {
			pc = 0
		}
		if line := frame.Method.lineAt(pc); line > 0 {
			trace = append(trace, fmt.Sprintf("  at %s (PC=%d, line %d)", frame.Method.Name, pc, line))
		} else {
			trace = append(trace, fmt.Sprintf("  at %s (PC=%d)", frame.Method.Name, pc))
		}
	}
	return trace
}
