package fvm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fluxorio/ocworker/pkg/core"
)

const (
	DefaultMaxStack     = 1024
	DefaultMaxCallDepth = 256
)

var (
	// ErrMethodNotFound is returned when invoking a method the module does not define.
	ErrMethodNotFound = errors.New("fvm: method not found")

	// ErrArityMismatch is returned when the argument count differs from the method's arity.
	ErrArityMismatch = errors.New("fvm: arity mismatch")
)

// RuntimeError is a failure raised while executing a program. Trace lists
// the active frames, innermost first.
type RuntimeError struct {
	Message string
	Trace   []string
	Err     error
}

func (e *RuntimeError) Error() string {
	if len(e.Trace) == 0 {
		return "runtime error: " + e.Message
	}
	return "runtime error: " + e.Message + "\n" + strings.Join(e.Trace, "\n")
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// thrown carries the value passed to THROW.
type thrown struct {
	value *Value
}

func (t *thrown) Error() string {
	return t.value.Display()
}

// Option configures a VM.
type Option func(*VM)

// WithLogger sets the logger used by PRINT.
func WithLogger(logger core.Logger) Option {
	return func(vm *VM) {
		if logger != nil {
			vm.logger = logger
		}
	}
}

// WithMaxCallDepth limits nested CALLs.
func WithMaxCallDepth(depth int) Option {
	return func(vm *VM) {
		if depth > 0 {
			vm.maxCallDepth = depth
		}
	}
}

// WithMaxStack limits the operand stack of each frame.
func WithMaxStack(size int) Option {
	return func(vm *VM) {
		if size > 0 {
			vm.maxStack = size
		}
	}
}

// VM executes methods of one module. A VM is not safe for concurrent use;
// create one per invocation, modules are shareable.
type VM struct {
	module       *Module
	callStack    *CallStack
	ctx          context.Context
	logger       core.Logger
	maxStack     int
	maxCallDepth int
}

// NewVM creates a new virtual machine for module.
func NewVM(module *Module, opts ...Option) *VM {
	vm := &VM{
		module:       module,
		logger:       core.NewNopLogger(),
		maxStack:     DefaultMaxStack,
		maxCallDepth: DefaultMaxCallDepth,
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.callStack = NewCallStack(vm.maxCallDepth)
	return vm
}

// Module returns the module this VM executes.
func (vm *VM) Module() *Module {
	return vm.module
}

// Invoke runs the named method with args. Execution stops with ctx's error
// once ctx is done.
func (vm *VM) Invoke(ctx context.Context, name string, args ...*Value) (*Value, error) {
	method, err := vm.module.GetMethod(name)
	if err != nil {
		return nil, err
	}
	if len(args) != method.Arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrArityMismatch, name, method.Arity, len(args))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	vm.ctx = ctx
	return vm.invoke(method, args)
}

func (vm *VM) invoke(method *Method, args []*Value) (*Value, error) {
	frame := NewFrame(method, vm.maxStack, method.MaxLocals)
	copy(frame.Locals, args)

	if err := vm.callStack.Push(frame); err != nil {
		return nil, vm.runtimeError(err)
	}
	defer vm.callStack.Pop()

	return vm.executeFrame(frame)
}

// executeFrame executes the current frame.
func (vm *VM) executeFrame(frame *Frame) (*Value, error) {
	code := frame.Method.Code
	for frame.PC < len(code) {
		select {
		case <-vm.ctx.Done():
			return nil, vm.runtimeError(vm.ctx.Err())
		default:
		}

		// Fetch instruction
		instr := code[frame.PC]
		frame.PC++

		ret, err := vm.executeInstruction(frame, instr)
		if err != nil {
			var rt *RuntimeError
			if errors.As(err, &rt) {
				return nil, err
			}
			return nil, vm.runtimeError(err)
		}
		if ret != nil {
			return ret, nil
		}
	}

	// Falling off the end returns the top of stack, if any
	if frame.Stack.Size() > 0 {
		return frame.Stack.Pop()
	}
	return NewVoidValue(), nil
}

func (vm *VM) runtimeError(err error) *RuntimeError {
	return &RuntimeError{
		Message: err.Error(),
		Trace:   vm.callStack.GetTrace(),
		Err:     err,
	}
}

// executeInstruction executes a single instruction. A non-nil value means
// the method returned.
func (vm *VM) executeInstruction(frame *Frame, instr Instruction) (*Value, error) {
	switch instr.Op {
	// Arithmetic operations
	case OpAdd:
		return nil, vm.execAdd(frame)
	case OpSub:
		return nil, vm.arith(frame, "SUB",
			func(a, b int64) (int64, error) { return a - b, nil },
			func(a, b float64) (float64, error) { return a - b, nil })
	case OpMul:
		return nil, vm.arith(frame, "MUL",
			func(a, b int64) (int64, error) { return a * b, nil },
			func(a, b float64) (float64, error) { return a * b, nil })
	case OpDiv:
		return nil, vm.arith(frame, "DIV",
			func(a, b int64) (int64, error) {
				if b == 0 {
					return 0, fmt.Errorf("division by zero")
				}
				return a / b, nil
			},
			func(a, b float64) (float64, error) {
				if b == 0 {
					return 0, fmt.Errorf("division by zero")
				}
				return a / b, nil
			})
	case OpMod:
		return nil, vm.arith(frame, "MOD",
			func(a, b int64) (int64, error) {
				if b == 0 {
					return 0, fmt.Errorf("modulo by zero")
				}
				return a % b, nil
			},
			func(a, b float64) (float64, error) {
				if b == 0 {
					return 0, fmt.Errorf("modulo by zero")
				}
				return math.Mod(a, b), nil
			})
	case OpNeg:
		return nil, vm.execNeg(frame)

	// Comparison operations
	case OpEq, OpNe:
		b, a, err := pop2(frame)
		if err != nil {
			return nil, err
		}
		eq := a.Equals(b)
		if instr.Op == OpNe {
			eq = !eq
		}
		return nil, frame.Stack.Push(NewBoolValue(eq))
	case OpLt, OpLe, OpGt, OpGe:
		return nil, vm.execCompare(frame, instr.Op)

	// Logical operations
	case OpAnd, OpOr:
		b, a, err := pop2(frame)
		if err != nil {
			return nil, err
		}
		if instr.Op == OpAnd {
			return nil, frame.Stack.Push(NewBoolValue(a.IsTruthy() && b.IsTruthy()))
		}
		return nil, frame.Stack.Push(NewBoolValue(a.IsTruthy() || b.IsTruthy()))
	case OpNot:
		a, err := frame.Stack.Pop()
		if err != nil {
			return nil, err
		}
		return nil, frame.Stack.Push(NewBoolValue(!a.IsTruthy()))

	// Stack operations
	case OpPush, OpLoadInt:
		return nil, frame.Stack.Push(NewIntValue(instr.Operand))
	case OpPop:
		_, err := frame.Stack.Pop()
		return nil, err
	case OpDup:
		return nil, frame.Stack.Dup()
	case OpSwap:
		return nil, frame.Stack.Swap()

	// Local variable operations
	case OpLoad:
		val, err := frame.GetLocal(int(instr.Operand))
		if err != nil {
			return nil, err
		}
		return nil, frame.Stack.Push(val)
	case OpStore:
		val, err := frame.Stack.Pop()
		if err != nil {
			return nil, err
		}
		return nil, frame.SetLocal(int(instr.Operand), val)

	// Control flow
	case OpJmp:
		frame.PC = int(instr.Operand)
		return nil, nil
	case OpJz, OpJnz:
		val, err := frame.Stack.Pop()
		if err != nil {
			return nil, err
		}
		if val.IsTruthy() == (instr.Op == OpJnz) {
			frame.PC = int(instr.Operand)
		}
		return nil, nil
	case OpCall:
		return nil, vm.execCall(frame, int(instr.Operand))
	case OpHost:
		return nil, vm.execHost(frame, int(instr.Operand))
	case OpRet:
		return NewVoidValue(), nil
	case OpRetVal:
		return frame.Stack.Pop()
	case OpHalt:
		if frame.Stack.Size() > 0 {
			return frame.Stack.Pop()
		}
		return NewVoidValue(), nil

	// Constant loading
	case OpLoadFloat:
		return nil, frame.Stack.Push(NewFloatValue(math.Float64frombits(uint64(instr.Operand))))
	case OpLoadBool:
		return nil, frame.Stack.Push(NewBoolValue(instr.Operand != 0))
	case OpLoadNull:
		return nil, frame.Stack.Push(NewNullValue())
	case OpLoadString:
		s, err := vm.module.GetString(int(instr.Operand))
		if err != nil {
			return nil, err
		}
		return nil, frame.Stack.Push(NewStringValue(s))

	// Array operations
	case OpNewArray:
		return nil, frame.Stack.Push(NewArrayValue(NewArray(int(instr.Operand))))
	case OpArrayLen:
		return nil, vm.execArrayLen(frame)
	case OpArrayLoad:
		return nil, vm.execArrayLoad(frame)
	case OpArrayStore:
		return nil, vm.execArrayStore(frame)
	case OpAppend:
		return nil, vm.execAppend(frame)

	case OpCast:
		return nil, vm.execCast(frame, instr.Operand)

	// Special operations
	case OpNop:
		return nil, nil
	case OpThrow:
		val, err := frame.Stack.Pop()
		if err != nil {
			return nil, err
		}
		return nil, &thrown{value: val}
	case OpPrint:
		val, err := frame.Stack.Pop()
		if err != nil {
			return nil, err
		}
		vm.logger.Infof("[FVM] %s", val.Display())
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown opcode: 0x%02x", byte(instr.Op))
	}
}

func pop2(frame *Frame) (b, a *Value, err error) {
	if b, err = frame.Stack.Pop(); err != nil {
		return nil, nil, err
	}
	if a, err = frame.Stack.Pop(); err != nil {
		return nil, nil, err
	}
	return b, a, nil
}

// arith applies an int or float operation; mixed operands promote to float.
func (vm *VM) arith(frame *Frame, name string,
	intOp func(a, b int64) (int64, error),
	floatOp func(a, b float64) (float64, error)) error {
	b, a, err := pop2(frame)
	if err != nil {
		return err
	}

	if a.Type == TypeInt && b.Type == TypeInt {
		r, err := intOp(a.Data.(int64), b.Data.(int64))
		if err != nil {
			return err
		}
		return frame.Stack.Push(NewIntValue(r))
	}
	if a.isNumeric() && b.isNumeric() {
		af, _ := a.AsNumber()
		bf, _ := b.AsNumber()
		r, err := floatOp(af, bf)
		if err != nil {
			return err
		}
		return frame.Stack.Push(NewFloatValue(r))
	}

	return fmt.Errorf("incompatible types for %s: %s, %s", name, a.Type, b.Type)
}

func (vm *VM) execAdd(frame *Frame) error {
	b, err := frame.Stack.Peek()
	if err != nil {
		return err
	}
	if b.Type == TypeString && frame.Stack.Size() >= 2 {
		b, a, err := pop2(frame)
		if err != nil {
			return err
		}
		if a.Type != TypeString {
			return fmt.Errorf("incompatible types for ADD: %s, %s", a.Type, b.Type)
		}
		return frame.Stack.Push(NewStringValue(a.Data.(string) + b.Data.(string)))
	}
	return vm.arith(frame, "ADD",
		func(a, b int64) (int64, error) { return a + b, nil },
		func(a, b float64) (float64, error) { return a + b, nil })
}

func (vm *VM) execNeg(frame *Frame) error {
	a, err := frame.Stack.Pop()
	if err != nil {
		return err
	}

	switch a.Type {
	case TypeInt:
		return frame.Stack.Push(NewIntValue(-a.Data.(int64)))
	case TypeFloat:
		return frame.Stack.Push(NewFloatValue(-a.Data.(float64)))
	}
	return fmt.Errorf("incompatible type for NEG: %s", a.Type)
}

func (vm *VM) execCompare(frame *Frame, op Opcode) error {
	b, a, err := pop2(frame)
	if err != nil {
		return err
	}

	var cmp int
	switch {
	case a.Type == TypeInt && b.Type == TypeInt:
		cmp = compareOrdered(a.Data.(int64), b.Data.(int64))
	case a.isNumeric() && b.isNumeric():
		af, _ := a.AsNumber()
		bf, _ := b.AsNumber()
		cmp = compareOrdered(af, bf)
	case a.Type == TypeString && b.Type == TypeString:
		cmp = strings.Compare(a.Data.(string), b.Data.(string))
	default:
		return fmt.Errorf("incompatible types for %s: %s, %s", op, a.Type, b.Type)
	}

	var result bool
	switch op {
	case OpLt:
		result = cmp < 0
	case OpLe:
		result = cmp <= 0
	case OpGt:
		result = cmp > 0
	case OpGe:
		result = cmp >= 0
	}
	return frame.Stack.Push(NewBoolValue(result))
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (vm *VM) execCall(frame *Frame, methodIndex int) error {
	if methodIndex < 0 || methodIndex >= len(vm.module.Methods) {
		return fmt.Errorf("invalid method index: %d", methodIndex)
	}
	callee := vm.module.Methods[methodIndex]
	args, err := frame.Stack.PopN(callee.Arity)
	if err != nil {
		return fmt.Errorf("CALL %s: %w", callee.Name, err)
	}
	result, err := vm.invoke(callee, args)
	if err != nil {
		return err
	}
	return frame.Stack.Push(result)
}

func (vm *VM) execHost(frame *Frame, hostIndex int) error {
	if hostIndex < 0 || hostIndex >= len(vm.module.Hosts) {
		return fmt.Errorf("invalid host function index: %d", hostIndex)
	}
	fn := vm.module.Hosts[hostIndex]
	args, err := frame.Stack.PopN(fn.Arity)
	if err != nil {
		return fmt.Errorf("HOST %s: %w", fn.Name, err)
	}
	result, err := fn.Fn(vm.ctx, args)
	if err != nil {
		return fmt.Errorf("host function %s: %w", fn.Name, err)
	}
	if result == nil {
		result = NewVoidValue()
	}
	return frame.Stack.Push(result)
}

// Array operations
func (vm *VM) execArrayLen(frame *Frame) error {
	val, err := frame.Stack.Pop()
	if err != nil {
		return err
	}
	switch val.Type {
	case TypeArray:
		return frame.Stack.Push(NewIntValue(int64(val.Data.(*Array).Len())))
	case TypeString:
		return frame.Stack.Push(NewIntValue(int64(len(val.Data.(string)))))
	}
	return fmt.Errorf("ARRAYLEN expects array or string, got %s", val.Type)
}

func (vm *VM) execArrayLoad(frame *Frame) error {
	index, arr, err := pop2(frame)
	if err != nil {
		return err
	}
	indexVal, err := index.AsInt()
	if err != nil {
		return err
	}
	arrVal, err := arr.AsArray()
	if err != nil {
		return err
	}

	elem, err := arrVal.Get(int(indexVal))
	if err != nil {
		return err
	}
	return frame.Stack.Push(elem)
}

func (vm *VM) execArrayStore(frame *Frame) error {
	val, err := frame.Stack.Pop()
	if err != nil {
		return err
	}
	index, arr, err := pop2(frame)
	if err != nil {
		return err
	}
	indexVal, err := index.AsInt()
	if err != nil {
		return err
	}
	arrVal, err := arr.AsArray()
	if err != nil {
		return err
	}
	return arrVal.Set(int(indexVal), val)
}

func (vm *VM) execAppend(frame *Frame) error {
	val, arr, err := pop2(frame)
	if err != nil {
		return err
	}
	arrVal, err := arr.AsArray()
	if err != nil {
		return err
	}
	arrVal.Append(val)
	return frame.Stack.Push(arr)
}

func (vm *VM) execCast(frame *Frame, target int64) error {
	val, err := frame.Stack.Pop()
	if err != nil {
		return err
	}
	out, err := castValue(val, target)
	if err != nil {
		return err
	}
	return frame.Stack.Push(out)
}

func castValue(val *Value, target int64) (*Value, error) {
	switch target {
	case CastInt:
		switch val.Type {
		case TypeInt:
			return val, nil
		case TypeFloat:
			return NewIntValue(int64(val.Data.(float64))), nil
		case TypeBool:
			if val.Data.(bool) {
				return NewIntValue(1), nil
			}
			return NewIntValue(0), nil
		case TypeString:
			n, err := strconv.ParseInt(strings.TrimSpace(val.Data.(string)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to int", val.Data)
			}
			return NewIntValue(n), nil
		}
	case CastFloat:
		switch val.Type {
		case TypeInt, TypeFloat:
			f, _ := val.AsNumber()
			return NewFloatValue(f), nil
		case TypeString:
			f, err := strconv.ParseFloat(strings.TrimSpace(val.Data.(string)), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to float", val.Data)
			}
			return NewFloatValue(f), nil
		}
	case CastString:
		return NewStringValue(val.Display()), nil
	case CastBool:
		return NewBoolValue(val.IsTruthy()), nil
	}
	return nil, fmt.Errorf("cannot cast %s", val.Type)
}

// GetStackTrace returns the current stack trace.
func (vm *VM) GetStackTrace() []string {
	return vm.callStack.GetTrace()
}
