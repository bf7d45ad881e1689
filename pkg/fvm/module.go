package fvm

import (
	"fmt"
	"sort"
)

// Module is a compiled program. It is immutable once built and may be
// shared by any number of VMs.
type Module struct {
	Name    string
	Methods []*Method
	Strings []string
	Hosts   []*HostFunction

	index map[string]int
}

// Method represents a method in the module.
type Method struct {
	Name      string
	Arity     int
	MaxStack  int
	MaxLocals int
	Code      []Instruction
	Lines     []int // source line of each instruction, 0 when built programmatically
}

// NewModule creates a new module.
func NewModule(name string) *Module {
	return &Module{
		Name:  name,
		index: make(map[string]int),
	}
}

// AddMethod adds a method to the module. It fails on a duplicate name.
func (m *Module) AddMethod(method *Method) error {
	if _, exists := m.index[method.Name]; exists {
		return fmt.Errorf("duplicate method: %s", method.Name)
	}
	m.index[method.Name] = len(m.Methods)
	m.Methods = append(m.Methods, method)
	return nil
}

// GetMethod gets a method by name.
func (m *Module) GetMethod(name string) (*Method, error) {
	i, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}
	return m.Methods[i], nil
}

// MethodIndex returns the position of a method in Methods.
func (m *Module) MethodIndex(name string) (int, bool) {
	i, ok := m.index[name]
	return i, ok
}

// MethodNames returns the method names in sorted order.
func (m *Module) MethodNames() []string {
	names := make([]string, 0, len(m.Methods))
	for _, method := range m.Methods {
		names = append(names, method.Name)
	}
	sort.Strings(names)
	return names
}

// AddString interns s in the string pool and returns its index.
func (m *Module) AddString(s string) int {
	for i, existing := range m.Strings {
		if existing == s {
			return i
		}
	}
	m.Strings = append(m.Strings, s)
	return len(m.Strings) - 1
}

// GetString returns a pooled string.
func (m *Module) GetString(index int) (string, error) {
	if index < 0 || index >= len(m.Strings) {
		return "", fmt.Errorf("string pool index out of bounds: %d", index)
	}
	return m.Strings[index], nil
}

// addHost binds fn into the module's host table and returns its index.
func (m *Module) addHost(fn *HostFunction) int {
	for i, h := range m.Hosts {
		if h.Name == fn.Name {
			return i
		}
	}
	m.Hosts = append(m.Hosts, fn)
	return len(m.Hosts) - 1
}

func (m *Method) lineAt(pc int) int {
	if pc >= 0 && pc < len(m.Lines) {
		return m.Lines[pc]
	}
	return 0
}
