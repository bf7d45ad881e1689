package fvm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Diagnostic is a single compile problem tied to a source line.
type Diagnostic struct {
	Line    int
	Message string
}

// CompileError lists every problem found while assembling a program.
type CompileError struct {
	Module      string
	Diagnostics []Diagnostic

	source []string
}

func (e *CompileError) Error() string {
	var sb strings.Builder
	for i, d := range e.Diagnostics {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(e.render(d))
	}
	return sb.String()
}

func (e *CompileError) render(d Diagnostic) string {
	if d.Line <= 0 || d.Line > len(e.source) {
		return "error: " + d.Message
	}
	return fmt.Sprintf("error: %s\n --> %s:%d\n  |\n%d | %s",
		d.Message, e.Module, d.Line, d.Line, e.source[d.Line-1])
}

type labelRef struct {
	pc    int
	label string
	line  int
}

type callRef struct {
	method *Method
	pc     int
	name   string
	line   int
}

// Assembler builds a module, either instruction by instruction or from
// assembly text through Compile. Jumps and calls may refer forward; they
// are resolved when the method or module is finished.
type Assembler struct {
	module  *Module
	current *Method
	labels  map[string]int
	jumps   []labelRef
	calls   []callRef
	hosts   *Registry
	line    int
	diags   []Diagnostic
	source  []string
}

// NewAssembler creates a new assembler. hosts may be nil.
func NewAssembler(moduleName string, hosts *Registry) *Assembler {
	return &Assembler{
		module: NewModule(moduleName),
		labels: make(map[string]int),
		hosts:  hosts,
	}
}

func (a *Assembler) errorf(format string, args ...interface{}) {
	a.diags = append(a.diags, Diagnostic{Line: a.line, Message: fmt.Sprintf(format, args...)})
}

// BeginMethod starts defining a new method taking arity arguments.
// Arguments occupy the first arity locals.
func (a *Assembler) BeginMethod(name string, arity, maxLocals int) *Assembler {
	if a.current != nil {
		a.errorf("method %s is not closed with .end", a.current.Name)
		a.EndMethod()
	}
	if maxLocals < arity {
		maxLocals = arity
	}
	a.current = &Method{
		Name:      name,
		Arity:     arity,
		MaxLocals: maxLocals,
		Code:      make([]Instruction, 0),
	}
	a.labels = make(map[string]int)
	a.jumps = a.jumps[:0]
	if _, exists := a.module.MethodIndex(name); exists {
		a.errorf("duplicate method: %s", name)
	}
	return a
}

// EndMethod finishes the current method and adds it to the module.
func (a *Assembler) EndMethod() *Assembler {
	if a.current == nil {
		a.errorf(".end without .method")
		return a
	}
	for _, ref := range a.jumps {
		target, ok := a.labels[ref.label]
		if !ok {
			a.diags = append(a.diags, Diagnostic{Line: ref.line, Message: fmt.Sprintf("unknown label: %s", ref.label)})
			continue
		}
		a.current.Code[ref.pc].Operand = int64(target)
	}
	a.jumps = a.jumps[:0]
	// Duplicate names were reported in BeginMethod.
	_ = a.module.AddMethod(a.current)
	a.current = nil
	return a
}

// Label defines a label at the current position.
func (a *Assembler) Label(name string) *Assembler {
	if a.current == nil {
		a.errorf("label %s outside of a method", name)
		return a
	}
	if _, exists := a.labels[name]; exists {
		a.errorf("duplicate label: %s", name)
		return a
	}
	a.labels[name] = len(a.current.Code)
	return a
}

// Emit emits an instruction.
func (a *Assembler) Emit(op Opcode, operand ...int64) *Assembler {
	if a.current == nil {
		a.errorf("instruction %s outside of a method", op)
		return a
	}

	instr := Instruction{Op: op}
	if len(operand) > 0 {
		instr.Operand = operand[0]
	}

	a.current.Code = append(a.current.Code, instr)
	a.current.Lines = append(a.current.Lines, a.line)
	return a
}

// Convenience methods for common instructions

func (a *Assembler) Add() *Assembler { return a.Emit(OpAdd) }
func (a *Assembler) Sub() *Assembler { return a.Emit(OpSub) }
func (a *Assembler) Mul() *Assembler { return a.Emit(OpMul) }
func (a *Assembler) Div() *Assembler { return a.Emit(OpDiv) }
func (a *Assembler) Mod() *Assembler { return a.Emit(OpMod) }
func (a *Assembler) Neg() *Assembler { return a.Emit(OpNeg) }

func (a *Assembler) Eq() *Assembler { return a.Emit(OpEq) }
func (a *Assembler) Ne() *Assembler { return a.Emit(OpNe) }
func (a *Assembler) Lt() *Assembler { return a.Emit(OpLt) }
func (a *Assembler) Le() *Assembler { return a.Emit(OpLe) }
func (a *Assembler) Gt() *Assembler { return a.Emit(OpGt) }
func (a *Assembler) Ge() *Assembler { return a.Emit(OpGe) }

func (a *Assembler) And() *Assembler { return a.Emit(OpAnd) }
func (a *Assembler) Or() *Assembler  { return a.Emit(OpOr) }
func (a *Assembler) Not() *Assembler { return a.Emit(OpNot) }

func (a *Assembler) Pop() *Assembler  { return a.Emit(OpPop) }
func (a *Assembler) Dup() *Assembler  { return a.Emit(OpDup) }
func (a *Assembler) Swap() *Assembler { return a.Emit(OpSwap) }

func (a *Assembler) Load(index int) *Assembler  { return a.Emit(OpLoad, int64(index)) }
func (a *Assembler) Store(index int) *Assembler { return a.Emit(OpStore, int64(index)) }

func (a *Assembler) LoadInt(value int64) *Assembler { return a.Emit(OpLoadInt, value) }
func (a *Assembler) LoadFloat(value float64) *Assembler {
	return a.Emit(OpLoadFloat, int64(math.Float64bits(value)))
}
func (a *Assembler) LoadString(s string) *Assembler {
	return a.Emit(OpLoadString, int64(a.module.AddString(s)))
}
func (a *Assembler) LoadBool(value bool) *Assembler {
	if value {
		return a.Emit(OpLoadBool, 1)
	}
	return a.Emit(OpLoadBool, 0)
}
func (a *Assembler) LoadNull() *Assembler { return a.Emit(OpLoadNull) }

func (a *Assembler) Jmp(label string) *Assembler { return a.emitJump(OpJmp, label) }
func (a *Assembler) Jz(label string) *Assembler  { return a.emitJump(OpJz, label) }
func (a *Assembler) Jnz(label string) *Assembler { return a.emitJump(OpJnz, label) }

func (a *Assembler) NewArray(size int) *Assembler { return a.Emit(OpNewArray, int64(size)) }
func (a *Assembler) ArrayLen() *Assembler         { return a.Emit(OpArrayLen) }
func (a *Assembler) ALoad() *Assembler            { return a.Emit(OpArrayLoad) }
func (a *Assembler) AStore() *Assembler           { return a.Emit(OpArrayStore) }
func (a *Assembler) Append() *Assembler           { return a.Emit(OpAppend) }

func (a *Assembler) Ret() *Assembler    { return a.Emit(OpRet) }
func (a *Assembler) RetVal() *Assembler { return a.Emit(OpRetVal) }
func (a *Assembler) Halt() *Assembler   { return a.Emit(OpHalt) }
func (a *Assembler) Print() *Assembler  { return a.Emit(OpPrint) }
func (a *Assembler) Throw() *Assembler  { return a.Emit(OpThrow) }

func (a *Assembler) emitJump(op Opcode, label string) *Assembler {
	if a.current == nil {
		a.errorf("instruction %s outside of a method", op)
		return a
	}
	a.jumps = append(a.jumps, labelRef{pc: len(a.current.Code), label: label, line: a.line})
	return a.Emit(op, -1)
}

// Call emits a call to a method of this module, resolved at Build.
func (a *Assembler) Call(name string) *Assembler {
	if a.current == nil {
		a.errorf("instruction CALL outside of a method")
		return a
	}
	a.calls = append(a.calls, callRef{method: a.current, pc: len(a.current.Code), name: name, line: a.line})
	return a.Emit(OpCall, -1)
}

// Host emits a call to a registered host function.
func (a *Assembler) Host(name string) *Assembler {
	fn, ok := a.hosts.Lookup(name)
	if !ok {
		a.errorf("unknown host function: %s", name)
		return a
	}
	return a.Emit(OpHost, int64(a.module.addHost(fn)))
}

// Cast emits a conversion to one of int, float, string, bool.
func (a *Assembler) Cast(target string) *Assembler {
	code, ok := castNames[target]
	if !ok {
		a.errorf("unknown cast target: %s", target)
		return a
	}
	return a.Emit(OpCast, code)
}

// Build resolves calls and returns the module, or a *CompileError listing
// every problem found.
func (a *Assembler) Build() (*Module, error) {
	if a.current != nil {
		a.line = len(a.source)
		a.errorf("method %s is not closed with .end", a.current.Name)
		a.EndMethod()
	}
	for _, ref := range a.calls {
		idx, ok := a.module.MethodIndex(ref.name)
		if !ok {
			a.diags = append(a.diags, Diagnostic{Line: ref.line, Message: fmt.Sprintf("unknown method: %s", ref.name)})
			continue
		}
		ref.method.Code[ref.pc].Operand = int64(idx)
	}
	if len(a.diags) > 0 {
		return nil, &CompileError{Module: a.module.Name, Diagnostics: a.diags, source: a.source}
	}
	return a.module, nil
}

// ParseAssembly compiles source without any host functions.
func ParseAssembly(source string) (*Module, error) {
	return Compile("main", source, nil)
}

// Compile assembles source into a module. HOST instructions are bound to
// the functions registered in hosts at this moment.
//
//	.method add 2        ; name arity [locals]
//	    LOAD 0
//	    LOAD 1
//	    ADD
//	    RETVAL
//	.end
func Compile(name, source string, hosts *Registry) (*Module, error) {
	asm := NewAssembler(name, hosts)
	asm.source = strings.Split(source, "\n")

	for i, raw := range asm.source {
		asm.line = i + 1
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			asm.directive(line)
			continue
		}

		if strings.HasSuffix(line, ":") {
			label := strings.TrimSuffix(line, ":")
			if !isIdent(label) {
				asm.errorf("invalid label: %s", label)
				continue
			}
			asm.Label(label)
			continue
		}

		asm.instruction(line)
	}

	return asm.Build()
}

func (a *Assembler) directive(line string) {
	parts := strings.Fields(line)
	switch parts[0] {
	case ".method":
		if len(parts) < 3 || len(parts) > 4 {
			a.errorf("invalid .method directive, expected .method <name> <arity> [locals]")
			return
		}
		if !isIdent(parts[1]) {
			a.errorf("invalid method name: %s", parts[1])
			return
		}
		arity, err := strconv.Atoi(parts[2])
		if err != nil || arity < 0 {
			a.errorf("invalid arity: %s", parts[2])
			return
		}
		locals := arity
		if len(parts) == 4 {
			locals, err = strconv.Atoi(parts[3])
			if err != nil || locals < arity {
				a.errorf("invalid locals count %s for arity %d", parts[3], arity)
				return
			}
		}
		a.BeginMethod(parts[1], arity, locals)
	case ".end":
		a.EndMethod()
	default:
		a.errorf("unknown directive: %s", parts[0])
	}
}

func (a *Assembler) instruction(line string) {
	parts := strings.Fields(line)
	opname := strings.ToUpper(parts[0])
	op, ok := LookupOpcode(opname)
	if !ok {
		a.errorf("unknown instruction: %s", parts[0])
		return
	}
	if a.current == nil {
		a.errorf("instruction %s outside of a method", opname)
		return
	}

	if op == OpLoadString {
		rest := strings.TrimSpace(line[len(parts[0]):])
		s, err := strconv.Unquote(rest)
		if err != nil {
			a.errorf("invalid string literal: %s", rest)
			return
		}
		a.LoadString(s)
		return
	}

	if !op.HasOperand() {
		if len(parts) > 1 {
			a.errorf("%s takes no operand", opname)
			return
		}
		a.Emit(op)
		return
	}

	if len(parts) != 2 {
		if op == OpNewArray && len(parts) == 1 {
			a.NewArray(0)
			return
		}
		a.errorf("%s expects exactly one operand", opname)
		return
	}
	arg := parts[1]

	switch op {
	case OpLoadInt, OpPush:
		n, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			a.errorf("invalid integer: %s", arg)
			return
		}
		a.Emit(OpLoadInt, n)
	case OpLoadFloat:
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			a.errorf("invalid float: %s", arg)
			return
		}
		a.LoadFloat(f)
	case OpLoadBool:
		b, err := strconv.ParseBool(arg)
		if err != nil {
			a.errorf("invalid boolean: %s", arg)
			return
		}
		a.LoadBool(b)
	case OpLoad, OpStore:
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 || idx >= a.current.MaxLocals {
			a.errorf("local index %s out of range for method %s (%d locals)", arg, a.current.Name, a.current.MaxLocals)
			return
		}
		a.Emit(op, int64(idx))
	case OpJmp, OpJz, OpJnz:
		if !isIdent(arg) {
			a.errorf("invalid label: %s", arg)
			return
		}
		a.emitJump(op, arg)
	case OpCall:
		a.Call(arg)
	case OpHost:
		a.Host(arg)
	case OpNewArray:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			a.errorf("invalid array size: %s", arg)
			return
		}
		a.NewArray(n)
	case OpCast:
		a.Cast(strings.ToLower(arg))
	default:
		a.errorf("unsupported operand for %s", opname)
	}
}

// stripComment drops everything after ';' or '#' outside a string literal.
func stripComment(line string) string {
	inString, escaped := false, false
	for i, r := range line {
		switch {
		case escaped:
			escaped = false
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case !inString && (r == ';' || r == '#'):
			return line[:i]
		}
	}
	return line
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// Disassemble disassembles a method into assembly code.
func Disassemble(module *Module, method *Method) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf(".method %s %d %d\n", method.Name, method.Arity, method.MaxLocals))

	for i, instr := range method.Code {
		sb.WriteString(fmt.Sprintf("  %3d: %-12s", i, instr.Op.String()))
		if instr.Op.HasOperand() {
			sb.WriteString(" " + operandText(module, instr))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(".end\n")

	return sb.String()
}

func operandText(module *Module, instr Instruction) string {
	switch instr.Op {
	case OpLoadFloat:
		return formatFloat(math.Float64frombits(uint64(instr.Operand)))
	case OpLoadString:
		if s, err := module.GetString(int(instr.Operand)); err == nil {
			return strconv.Quote(s)
		}
	case OpCall:
		if i := int(instr.Operand); i >= 0 && i < len(module.Methods) {
			return module.Methods[i].Name
		}
	case OpHost:
		if i := int(instr.Operand); i >= 0 && i < len(module.Hosts) {
			return module.Hosts[i].Name
		}
	case OpCast:
		for name, code := range castNames {
			if code == instr.Operand {
				return name
			}
		}
	}
	return strconv.FormatInt(instr.Operand, 10)
}

// DisassembleModule disassembles an entire module.
func DisassembleModule(module *Module) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; Module: %s\n\n", module.Name))

	for _, method := range module.Methods {
		sb.WriteString(Disassemble(module, method))
		sb.WriteString("\n")
	}

	return sb.String()
}
