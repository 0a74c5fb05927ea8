package vm

import (
	"loxcore/internal/block"
	"loxcore/internal/heap"
	"loxcore/internal/thread"
	"loxcore/internal/value"
)

// blockNativeFn is the ABI for a native method that consumes the caller's
// block argument (`each`, `map`, `select`, ...). value.NativeFunc has no
// parameter for a block, so these live in a side table keyed by the
// method Object's own identity rather than going through internal/native
// at all; Call looks here first (call.go) before falling back to the
// plain native path.
type blockNativeFn func(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind)

// registerBlockNative installs a block-consuming native method onto
// klass's method table, mirroring internal/native.Register's allocation
// of a KindNative object but routing calls through blockNatives instead
// of value.NativeFunc.
func (v *VM) registerBlockNative(h *heap.Heap, klass *value.Object, name string, fn blockNativeFn) {
	obj := h.AllocNative(name, nil, klass.Class, false)
	klass.Class.AddMethod(name, obj)
	v.blockNativesMu.Lock()
	v.blockNatives[obj] = fn
	v.blockNativesMu.Unlock()
}

func (v *VM) lookupBlockNative(obj *value.Object) (blockNativeFn, bool) {
	v.blockNativesMu.RLock()
	defer v.blockNativesMu.RUnlock()
	fn, ok := v.blockNatives[obj]
	return fn, ok
}
