// Package errorsx builds the built-in error-class hierarchy on top of the
// object model (internal/value, internal/heap) and wraps an in-flight VM
// error with the frame context needed to print a trace.
package errorsx

import (
	"errors"
	"fmt"

	"loxcore/internal/heap"
	"loxcore/internal/value"
)

// Kind enumerates the built-in error classes.
type Kind string

const (
	KindError          Kind = "Error"
	KindArgumentError  Kind = "ArgumentError"
	KindTypeError      Kind = "TypeError"
	KindNameError      Kind = "NameError"
	KindSyntaxError    Kind = "SyntaxError"
	KindSystemError    Kind = "SystemError"
	KindLoadError      Kind = "LoadError"
	KindRegexError     Kind = "RegexError"
	KindRecursionError Kind = "RecursionError"
)

// Sentinel Go errors usable with errors.Is before a VM/object layer exists
// (e.g. from internal/bytecode or internal/config during startup).
var (
	ErrUndefinedMethod   = errors.New("undefined method")
	ErrUndefinedGlobal   = errors.New("undefined global")
	ErrUndefinedConstant = errors.New("undefined constant")
	ErrFrozen            = errors.New("frozen object")
	ErrRecursionDepth    = errors.New("recursion depth exceeded")
)

// Hierarchy holds the class objects for the built-in error tree, built
// once at VM init by Install and consulted by internal/vm's
// THROW/catch-table matching and by native helpers that raise typed
// errors.
type Hierarchy struct {
	Root           *value.Object
	ArgumentError  *value.Object
	TypeError      *value.Object
	NameError      *value.Object
	SyntaxError    *value.Object
	SystemError    *value.Object
	LoadError      *value.Object
	RegexError     *value.Object
	RecursionError *value.Object

	// errno-keyed SystemError subclasses, created lazily on first use.
	errnoClasses map[string]*value.Object
}

// Install builds the root Error class and its direct subclasses, wiring
// each subclass's Superclass to Root exactly as a class declaration
// would.
func Install(h *heap.Heap) *Hierarchy {
	mk := func(name string, super *value.Object) *value.Object {
		o := h.AllocClass(name, false)
		o.Class.Superclass = super
		return o
	}
	root := mk("Error", nil)
	return &Hierarchy{
		Root:           root,
		ArgumentError:  mk("ArgumentError", root),
		TypeError:      mk("TypeError", root),
		NameError:      mk("NameError", root),
		SyntaxError:    mk("SyntaxError", root),
		SystemError:    mk("SystemError", root),
		LoadError:      mk("LoadError", root),
		RegexError:     mk("RegexError", root),
		RecursionError: mk("RecursionError", root),
		errnoClasses:   make(map[string]*value.Object),
	}
}

// Errno returns (creating if needed) the SystemError subclass for a given
// errno symbol (EACCES, EAGAIN, EINTR, ...).
func (hi *Hierarchy) Errno(h *heap.Heap, symbol string) *value.Object {
	if c, ok := hi.errnoClasses[symbol]; ok {
		return c
	}
	c := h.AllocClass(symbol, false)
	c.Class.Superclass = hi.SystemError
	c.Class.Constants["errno"] = value.FromObject(h.Intern(symbol))
	hi.errnoClasses[symbol] = c
	return c
}

// New allocates an instance of klass with a `message` field set to msg,
// mirroring `Error(msg)` construction (THROW's string auto-wrap).
func New(h *heap.Heap, klass *value.Object, msg string) *value.Object {
	inst := h.AllocInstance(klass)
	inst.Fields["message"] = value.FromObject(h.Intern(msg))
	return inst
}

// IsA reports whether inst's class (or one of its ancestors) is klass,
// the semantics THROW/catch matching relies on.
func IsA(inst *value.Object, klass *value.Object) bool {
	if inst == nil || inst.Class == nil || klass == nil {
		return false
	}
	ci := inst.Class
	for ci != nil {
		if ci.Self == klass {
			return true
		}
		if ci.Superclass == nil {
			return false
		}
		ci = ci.Superclass.Class
	}
	return false
}

// VMError wraps an in-flight failure with the execution context needed
// for a trace (class name, message, frames), distinct from the
// Unwind control-flow value itself: VMError is what gets logged or printed
// when nothing catches an exception, not what propagates the interpreter
// loop (that's block.Unwind).
type VMError struct {
	ClassName string
	Message   string
	Frames    []FrameInfo
}

type FrameInfo struct {
	FuncName string
	File     string
	Line     int
}

func (e *VMError) Error() string {
	s := fmt.Sprintf("%s: %s", e.ClassName, e.Message)
	for _, f := range e.Frames {
		s += fmt.Sprintf("\n\tfrom %s:%d:in `%s'", f.File, f.Line, f.FuncName)
	}
	return s
}

// FromInstance builds a VMError trace record from a thrown instance and
// its unwound frames, for the print-a-trace-and-terminate path an
// uncaught exception takes.
func FromInstance(inst *value.Object, frames []FrameInfo) *VMError {
	name := "Error"
	msg := ""
	if inst != nil {
		if inst.Class != nil {
			name = inst.Class.Name
		}
		if m, ok := inst.Fields["message"]; ok {
			msg = m.String()
		}
	}
	return &VMError{ClassName: name, Message: msg, Frames: frames}
}
