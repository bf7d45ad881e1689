package fvm

// Opcode represents a bytecode instruction opcode.
type Opcode byte

const (
	// Arithmetic operations
	OpAdd Opcode = 0x01 // ADD: pop b, pop a, push (a + b)
	OpSub Opcode = 0x02 // SUB: pop b, pop a, push (a - b)
	OpMul Opcode = 0x03 // MUL: pop b, pop a, push (a * b)
	OpDiv Opcode = 0x04 // DIV: pop b, pop a, push (a / b)
	OpMod Opcode = 0x05 // MOD: pop b, pop a, push (a % b)
	OpNeg Opcode = 0x06 // NEG: pop a, push (-a)

	// Comparison operations
	OpEq Opcode = 0x10 // EQ: pop b, pop a, push (a == b)
	OpNe Opcode = 0x11 // NE: pop b, pop a, push (a != b)
	OpLt Opcode = 0x12 // LT: pop b, pop a, push (a < b)
	OpLe Opcode = 0x13 // LE: pop b, pop a, push (a <= b)
	OpGt Opcode = 0x14 // GT: pop b, pop a, push (a > b)
	OpGe Opcode = 0x15 // GE: pop b, pop a, push (a >= b)

	// Logical operations
	OpAnd Opcode = 0x20 // AND: pop b, pop a, push (a && b)
	OpOr  Opcode = 0x21 // OR: pop b, pop a, push (a || b)
	OpNot Opcode = 0x22 // NOT: pop a, push (!a)

	// Stack operations
	OpPush Opcode = 0x30 // PUSH <value>: push integer constant
	OpPop  Opcode = 0x31 // POP: discard top of stack
	OpDup  Opcode = 0x32 // DUP: duplicate top of stack
	OpSwap Opcode = 0x33 // SWAP: swap top two values

	// Local variable operations
	OpLoad  Opcode = 0x40 // LOAD <index>: push local[index]
	OpStore Opcode = 0x41 // STORE <index>: pop to local[index]

	// Control flow
	OpJmp    Opcode = 0x50 // JMP <label>: unconditional jump
	OpJz     Opcode = 0x51 // JZ <label>: jump if zero/false
	OpJnz    Opcode = 0x52 // JNZ <label>: jump if not zero/true
	OpCall   Opcode = 0x53 // CALL <method>: pop arity args, push result
	OpRet    Opcode = 0x54 // RET: return void
	OpRetVal Opcode = 0x55 // RETVAL: pop a, return a
	OpHost   Opcode = 0x56 // HOST <name>: call host function, push result

	// Array operations
	OpNewArray   Opcode = 0x70 // NEWARRAY <size>: push array of size nulls
	OpArrayLen   Opcode = 0x71 // ARRAYLEN: pop array or string, push length
	OpArrayLoad  Opcode = 0x72 // ALOAD: pop index, pop array, push array[index]
	OpArrayStore Opcode = 0x73 // ASTORE: pop value, pop index, pop array
	OpAppend     Opcode = 0x74 // APPEND: pop value, pop array, append, push array

	// Type operations
	OpCast Opcode = 0x80 // CAST <type>: convert top of stack

	// Special operations
	OpNop   Opcode = 0x90 // NOP: no operation
	OpHalt  Opcode = 0x91 // HALT: stop the current method
	OpThrow Opcode = 0x92 // THROW: pop a, raise a runtime error
	OpPrint Opcode = 0x93 // PRINT: pop a, log it

	// Constant loading
	OpLoadInt    Opcode = 0xA1 // LOADINT <value>: load integer constant
	OpLoadFloat  Opcode = 0xA2 // LOADFLOAT <value>: load float constant (bits)
	OpLoadString Opcode = 0xA3 // LOADSTRING <index>: load from string pool
	OpLoadBool   Opcode = 0xA4 // LOADBOOL <value>: load boolean constant
	OpLoadNull   Opcode = 0xA5 // LOADNULL: load null value
)

// Cast targets for OpCast.
const (
	CastInt int64 = iota
	CastFloat
	CastString
	CastBool
)

var castNames = map[string]int64{
	"int":    CastInt,
	"float":  CastFloat,
	"string": CastString,
	"bool":   CastBool,
}

// Instruction represents a single bytecode instruction.
type Instruction struct {
	Op      Opcode // Instruction opcode
	Operand int64  // Operand (for instructions that need one)
}

// OpcodeInfo provides metadata about an opcode.
type OpcodeInfo struct {
	Name        string
	Description string
	StackEffect int  // Net effect on stack depth (+1 = push, -1 = pop); CALL and HOST depend on arity
	HasOperand  bool // Whether instruction has an operand
}

// OpcodeTable maps opcodes to their metadata.
var OpcodeTable = map[Opcode]OpcodeInfo{
	OpAdd: {"ADD", "Add two values", -1, false},
	OpSub: {"SUB", "Subtract two values", -1, false},
	OpMul: {"MUL", "Multiply two values", -1, false},
	OpDiv: {"DIV", "Divide two values", -1, false},
	OpMod: {"MOD", "Modulo operation", -1, false},
	OpNeg: {"NEG", "Negate value", 0, false},

	OpEq: {"EQ", "Equal comparison", -1, false},
	OpNe: {"NE", "Not equal comparison", -1, false},
	OpLt: {"LT", "Less than comparison", -1, false},
	OpLe: {"LE", "Less or equal comparison", -1, false},
	OpGt: {"GT", "Greater than comparison", -1, false},
	OpGe: {"GE", "Greater or equal comparison", -1, false},

	OpAnd: {"AND", "Logical AND", -1, false},
	OpOr:  {"OR", "Logical OR", -1, false},
	OpNot: {"NOT", "Logical NOT", 0, false},

	OpPush: {"PUSH", "Push constant", 1, true},
	OpPop:  {"POP", "Pop value", -1, false},
	OpDup:  {"DUP", "Duplicate top", 1, false},
	OpSwap: {"SWAP", "Swap top two", 0, false},

	OpLoad:  {"LOAD", "Load local variable", 1, true},
	OpStore: {"STORE", "Store local variable", -1, true},

	OpJmp:    {"JMP", "Unconditional jump", 0, true},
	OpJz:     {"JZ", "Jump if zero", -1, true},
	OpJnz:    {"JNZ", "Jump if not zero", -1, true},
	OpCall:   {"CALL", "Call method", 1, true},
	OpRet:    {"RET", "Return from method", 0, false},
	OpRetVal: {"RETVAL", "Return with value", -1, false},
	OpHost:   {"HOST", "Call host function", 1, true},

	OpNewArray:   {"NEWARRAY", "Create array", 1, true},
	OpArrayLen:   {"ARRAYLEN", "Get array length", 0, false},
	OpArrayLoad:  {"ALOAD", "Load from array", -1, false},
	OpArrayStore: {"ASTORE", "Store to array", -3, false},
	OpAppend:     {"APPEND", "Append to array", -1, false},

	OpCast: {"CAST", "Cast value", 0, true},

	OpNop:   {"NOP", "No operation", 0, false},
	OpHalt:  {"HALT", "Halt execution", 0, false},
	OpThrow: {"THROW", "Throw exception", -1, false},
	OpPrint: {"PRINT", "Debug print", -1, false},

	OpLoadInt:    {"LOADINT", "Load integer", 1, true},
	OpLoadFloat:  {"LOADFLOAT", "Load float", 1, true},
	OpLoadString: {"LOADSTRING", "Load string", 1, true},
	OpLoadBool:   {"LOADBOOL", "Load boolean", 1, true},
	OpLoadNull:   {"LOADNULL", "Load null", 1, false},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(OpcodeTable))
	for op, info := range OpcodeTable {
		m[info.Name] = op
	}
	return m
}()

// LookupOpcode finds an opcode by mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// GetInfo returns metadata for an opcode.
func (op Opcode) GetInfo() OpcodeInfo {
	info, ok := OpcodeTable[op]
	if !ok {
		return OpcodeInfo{Name: "UNKNOWN", Description: "Unknown opcode"}
	}
	return info
}

// String returns the mnemonic for an opcode.
func (op Opcode) String() string {
	return op.GetInfo().Name
}

// HasOperand returns true if the opcode requires an operand.
func (op Opcode) HasOperand() bool {
	return op.GetInfo().HasOperand
}

// StackEffect returns the net effect on stack depth.
func (op Opcode) StackEffect() int {
	return op.GetInfo().StackEffect
}

func (op Opcode) isJump() bool {
	return op == OpJmp || op == OpJz || op == OpJnz
}
