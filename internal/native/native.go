// Package native implements the embedded object ABI: the `(argc, args[])`
// native-method call convention, arity checking, and registration of
// native methods onto a class's method table.
package native

import (
	"fmt"

	"loxcore/internal/heap"
	"loxcore/internal/value"
)

// Func is the native-method ABI: args[0] is the receiver when the method
// is an instance method; native methods signal errors by returning a
// non-nil error (raised via the exception mechanism), never through the
// return Value. Methods that need to run a caller's block
// (`each`, `map`, `select`...) aren't expressed through Func at all; the
// VM dispatches those through a separate block-native table (see
// internal/vm's blockNatives) that carries the thread and block argument
// Func has no room for.
type Func func(args []value.Value) (value.Value, error)

// CheckArity enforces `min <= argc <= max`; pass max = -1 for unbounded.
func CheckArity(name string, min, max, argc int) error {
	if argc < min || (max >= 0 && argc > max) {
		if max < 0 {
			return fmt.Errorf("%s: wrong number of arguments (given %d, expected %d+)", name, argc, min)
		}
		if min == max {
			return fmt.Errorf("%s: wrong number of arguments (given %d, expected %d)", name, argc, min)
		}
		return fmt.Errorf("%s: wrong number of arguments (given %d, expected %d..%d)", name, argc, min, max)
	}
	return nil
}

// Register installs a native method onto klass's method table as a
// KindNative object, allocated on the heap like any other callable.
func Register(h *heap.Heap, klass *value.Object, name string, static bool, fn Func) {
	nativeFn := value.NativeFunc(fn)
	obj := h.AllocNative(name, nativeFn, klass.Class, static)
	if static {
		klass.Class.AddMethod("self."+name, obj)
	} else {
		klass.Class.AddMethod(name, obj)
	}
}

// Invoke calls a native method and returns its result and error unchanged.
// The caller (internal/vm), which has access to the heap and the class
// hierarchy, turns a returned error into a thrown instance: an
// ArgumentErrorTag becomes an ArgumentError, a *block.Unwind propagates as
// is, and any other error becomes an instance of the root Error class.
func Invoke(fn Func, args []value.Value) (value.Value, error) {
	return fn(args)
}

// ArgumentError is a convenience constructor native methods use to report
// a wrong-type or wrong-arity argument; internal/vm recognizes
// the returned error and turns it into a thrown ArgumentError instance,
// keyed off the ArgumentErrorTag marker.
type ArgumentErrorTag struct{ msg string }

func (e *ArgumentErrorTag) Error() string { return e.msg }

func ArgumentError(format string, a ...interface{}) error {
	return &ArgumentErrorTag{msg: fmt.Sprintf(format, a...)}
}
