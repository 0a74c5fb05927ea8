package vm

import (
	"fmt"

	"loxcore/internal/block"
	"loxcore/internal/class"
	"loxcore/internal/native"
	"loxcore/internal/thread"
	"loxcore/internal/value"
)

// Call dispatches a callable value with receiver already resolved (nil
// receiver for a bare function/closure call). blockArg is the runtime
// block instance (`&blk`), if any.
func (v *VM) Call(th *thread.Thread, callee value.Value, receiver value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if !callee.IsObject() || callee.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "not callable"))
	}
	switch callee.Obj.Kind {
	case value.KindClosure:
		return v.runClosure(th, callee.Obj, receiver, args, blockArg)
	case value.KindNative:
		if bn, ok := v.lookupBlockNative(callee.Obj); ok {
			return bn(v, th, receiver, args, blockArg)
		}
		return v.callNative(th, callee.Obj, receiver, args)
	case value.KindBoundMethod:
		return v.Call(th, callee.Obj.Callable, callee.Obj.Receiver, args, blockArg)
	default:
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "value is not callable"))
	}
}

func (v *VM) callNative(th *thread.Thread, nativeObj *value.Object, receiver value.Value, args []value.Value) (value.Value, *block.Unwind) {
	full := args
	if nativeObj.NativeOwner != nil && !nativeObj.NativeIsStatic {
		full = append([]value.Value{receiver}, args...)
	}

	mark := th.PinMark()
	th.RecursionDepth++
	defer func() { th.RecursionDepth--; th.UnpinAll(mark) }()
	if th.RecursionDepth > v.maxCallDepth {
		return value.Nil, block.Throw(v.errorValue(v.Errors.RecursionError, "stack level too deep"))
	}

	result, err := native.Invoke(native.Func(nativeObj.NativeFn), full)
	if err == nil {
		return result, nil
	}
	if tag, ok := err.(*native.ArgumentErrorTag); ok {
		return value.Nil, block.Throw(v.errorValue(v.Errors.ArgumentError, tag.Error()))
	}
	if uw, ok := err.(*block.Unwind); ok {
		return value.Nil, uw
	}
	return value.Nil, block.Throw(v.errorValue(v.Errors.Root, err.Error()))
}

// Invoke implements INVOKE: resolve receiver's
// lookup class, walk the superclass chain, first match wins. A class or
// module receiver additionally resolves static methods, which METHOD's
// CLASS_METHOD variant and native.Register(static) install under the
// "self."-prefixed name on the class's own table.
func (v *VM) Invoke(th *thread.Thread, receiver value.Value, name string, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if !receiver.IsObject() || receiver.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.NameError, fmt.Sprintf("undefined method '%s'", name)))
	}
	lookup := class.LookupClass(receiver.Obj)
	if lookup == nil {
		// Arrays and strings are allocated without a class pointer; their
		// methods live on the VM's built-in Array/String classes.
		lookup = v.builtinClassFor(receiver.Obj.Kind)
	}
	if lookup == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.NameError, fmt.Sprintf("undefined method '%s'", name)))
	}
	fn, _, ok := class.ResolveMethod(lookup, name)
	if !ok && (receiver.Obj.Kind == value.KindClass || receiver.Obj.Kind == value.KindModule) {
		fn, _, ok = class.ResolveMethod(receiver.Obj.Class, "self."+name)
	}
	if !ok {
		return value.Nil, block.Throw(v.errorValue(v.Errors.NameError, fmt.Sprintf("undefined method '%s' for %s", name, receiver.Obj.String())))
	}
	return v.Call(th, value.FromObject(fn), receiver, args, blockArg)
}

func (v *VM) builtinClassFor(kind value.Kind) *value.ClassInfo {
	switch kind {
	case value.KindArray:
		return v.ArrayClass.Class
	case value.KindString:
		return v.StringClass.Class
	default:
		return nil
	}
}

// InvokeSuper implements GET_SUPER/`super` calls: the walk
// starts at the superclass of the lexically enclosing class stored on the
// current Function, not at the receiver's own class.
func (v *VM) InvokeSuper(th *thread.Thread, enclosing *value.ClassInfo, receiver value.Value, name string, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if enclosing == nil || enclosing.Superclass == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.NameError, fmt.Sprintf("no superclass method '%s'", name)))
	}
	fn, _, ok := class.ResolveMethod(enclosing.Superclass.Class, name)
	if !ok {
		return value.Nil, block.Throw(v.errorValue(v.Errors.NameError, fmt.Sprintf("undefined method '%s' for super", name)))
	}
	return v.Call(th, value.FromObject(fn), receiver, args, blockArg)
}

// runClosure pushes a new CallFrame and interprets its Chunk to
// completion. On a normal RETURN this returns the function's value, no
// Unwind. On a thrown exception that no catch-table row in this frame
// resolved, or on a block exit reaching past this frame, it returns the
// Unwind for the caller to handle.
func (v *VM) runClosure(th *thread.Thread, closureObj *value.Object, receiver value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	th.RecursionDepth++
	if th.RecursionDepth > v.maxCallDepth {
		th.RecursionDepth--
		return value.Nil, block.Throw(v.errorValue(v.Errors.RecursionError, "stack level too deep"))
	}
	defer func() { th.RecursionDepth-- }()

	fn := closureObj.Fn
	ec := th.EC()
	base := len(ec.Stack)

	nLocals := fn.Arity + len(fn.Locals)
	// The stack's backing array is reserved once and must never be grown:
	// open upvalues hold pointers into it. Refuse the call rather than let
	// append reallocate out from under them.
	if base+nLocals >= cap(ec.Stack) {
		return value.Nil, block.Throw(v.errorValue(v.Errors.RecursionError, "value stack overflow"))
	}
	for i := 0; i < nLocals; i++ {
		if i < len(args) {
			ec.Stack = append(ec.Stack, args[i])
		} else {
			ec.Stack = append(ec.Stack, value.Nil)
		}
	}

	fr := &thread.Frame{
		Closure:      closureObj,
		BasePtr:      base,
		NumLocals:    nLocals,
		Name:         fn.Name,
		This:         receiver,
		EnclosingCls: fn.EnclosingCls,
		BlockArg:     blockArg,
	}
	ec.Frames = append(ec.Frames, fr)

	defer func() {
		ec.Frames = ec.Frames[:len(ec.Frames)-1]
		closeUpvaluesFrom(th, base)
		ec.Stack = ec.Stack[:base]
	}()

	return v.execFrame(th, fr)
}

func (v *VM) errorValue(klass *value.Object, msg string) value.Value {
	return value.FromObject(v.newErrorInstance(klass, msg))
}

func (v *VM) newErrorInstance(klass *value.Object, msg string) *value.Object {
	inst := v.Heap.AllocInstance(klass)
	inst.Fields["message"] = value.FromObject(v.Heap.Intern(msg))
	return inst
}
