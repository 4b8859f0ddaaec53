package process

import (
	"os"
	"strings"
)

// Environment is an ordered set of NAME=value pairs handed to a child.
// Keys keep the position of their first insertion.
type Environment struct {
	keys   []string
	values map[string]string
}

// NewEnvironment returns an empty Environment. An empty environment passed
// to SetEnvironment means "inherit the caller's environment".
func NewEnvironment() *Environment {
	return &Environment{values: make(map[string]string)}
}

// SystemEnvironment returns the current process environment.
func SystemEnvironment() *Environment {
	return ParseEnvironment(os.Environ())
}

// ParseEnvironment splits each entry at its first '='. Entries without '='
// are skipped; a repeated name keeps its first position and last value.
func ParseEnvironment(entries []string) *Environment {
	env := NewEnvironment()
	for _, entry := range entries {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		env.Insert(name, value)
	}
	return env
}

// Insert sets name, appending it if new.
func (e *Environment) Insert(name, value string) {
	if _, ok := e.values[name]; !ok {
		e.keys = append(e.keys, name)
	}
	e.values[name] = value
}

// Remove deletes name; absent names are ignored.
func (e *Environment) Remove(name string) {
	if _, ok := e.values[name]; !ok {
		return
	}
	delete(e.values, name)
	for i, k := range e.keys {
		if k == name {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
}

// Value returns the value for name, or "" when absent.
func (e *Environment) Value(name string) string {
	return e.values[name]
}

// Lookup returns the value for name and whether it is set.
func (e *Environment) Lookup(name string) (string, bool) {
	v, ok := e.values[name]
	return v, ok
}

// Contains reports whether name is set.
func (e *Environment) Contains(name string) bool {
	_, ok := e.values[name]
	return ok
}

// Keys returns the names in insertion order.
func (e *Environment) Keys() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)
	return out
}

// Len is the number of variables.
func (e *Environment) Len() int { return len(e.keys) }

// IsEmpty reports whether e is nil or has no variables.
func (e *Environment) IsEmpty() bool { return e == nil || len(e.keys) == 0 }

// ToList renders the environment as NAME=value entries in order.
func (e *Environment) ToList() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

// Personal.AI order the ending
