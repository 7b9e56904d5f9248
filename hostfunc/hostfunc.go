package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrInvalidName  = errors.New("host function name is not a Lua identifier")
	ErrReservedName = errors.New("host function name is reserved")
	ErrDuplicate    = errors.New("host function already registered")
)

// Func is an extra host function exposed to guest code. Arguments and the
// single result are marshaled through Value.
type Func func(ctx context.Context, args []Value) (Value, error)

// reserved holds the names a registered function could otherwise shadow:
// Lua keywords, the bridge callbacks, the entry points and the globals of
// the restricted environment.
var reserved = map[string]struct{}{}

func init() {
	for _, name := range []string{
		"and", "break", "do", "else", "elseif", "end", "false", "for", "function",
		"goto", "if", "in", "local", "nil", "not", "or", "repeat", "return", "then",
		"true", "until", "while",

		"read_config", "read_message", "inject_message", "output", "circular_buffer",
		"process_message", "timer_event",

		"_G", "_VERSION", "assert", "error", "getmetatable", "ipairs", "next",
		"pairs", "pcall", "rawequal", "rawget", "rawset", "select", "setmetatable",
		"tonumber", "tostring", "type", "unpack", "xpcall", "math", "string", "table",
	} {
		reserved[name] = struct{}{}
	}
}

// Registry holds the extra functions every sandbox built with it exposes as
// guest globals.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn as the guest global name.
func (r *Registry) Register(name string, fn Func) error {
	if !isIdentifier(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := reserved[name]; ok {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
