package vm

import (
	"loxcore/internal/block"
	"loxcore/internal/class"
	"loxcore/internal/native"
	"loxcore/internal/thread"
	"loxcore/internal/value"
)

// bootstrapBuiltins wires the built-in native-method surface onto
// Array/String/GC, including the block-consuming iteration helpers that
// exercise the yield protocol (internal/block).
func (v *VM) bootstrapBuiltins() {
	v.ArrayClass = v.Heap.AllocClass("Array", false)
	v.ArrayClass.Class.Superclass = v.RootObject
	v.RegisterClass(v.ArrayClass)

	v.StringClass = v.Heap.AllocClass("String", false)
	v.StringClass.Class.Superclass = v.RootObject
	v.RegisterClass(v.StringClass)

	v.GCClass = v.Heap.AllocClass("GC", true)
	v.RegisterClass(v.GCClass)

	// `include` lives on the Object root so every class and module resolves
	// it through the ordinary superclass walk; the receiver guard keeps
	// plain instances from including into their class by accident.
	native.Register(v.Heap, v.RootObject, "include", false, func(args []value.Value) (value.Value, error) {
		if err := native.CheckArity("include", 1, 1, len(args)-1); err != nil {
			return value.Nil, native.ArgumentError("%s", err.Error())
		}
		recv, mod := args[0], args[1]
		if !recv.IsObject() || recv.Obj == nil ||
			(recv.Obj.Kind != value.KindClass && recv.Obj.Kind != value.KindModule) {
			return value.Nil, native.ArgumentError("include: receiver is not a class or module")
		}
		if !mod.IsObject() || mod.Obj == nil || mod.Obj.Kind != value.KindModule {
			return value.Nil, native.ArgumentError("include: argument is not a module")
		}
		value.IncludeModule(recv.Obj, mod.Obj)
		return recv, nil
	})

	native.Register(v.Heap, v.ArrayClass, "length", false, func(args []value.Value) (value.Value, error) {
		recv := args[0]
		if !recv.IsObject() || recv.Obj == nil {
			return value.Nil, native.ArgumentError("length: receiver is not an array")
		}
		return value.Number(float64(len(recv.Obj.Elems))), nil
	})

	native.Register(v.Heap, v.ArrayClass, "push", false, func(args []value.Value) (value.Value, error) {
		if err := native.CheckArity("push", 1, 1, len(args)-1); err != nil {
			return value.Nil, native.ArgumentError("%s", err.Error())
		}
		recv := args[0]
		class.Dedupe(recv.Obj)
		recv.Obj.Elems = append(recv.Obj.Elems, args[1])
		return recv, nil
	})

	native.Register(v.Heap, v.StringClass, "length", false, func(args []value.Value) (value.Value, error) {
		recv := args[0]
		if !recv.IsObject() || recv.Obj == nil {
			return value.Nil, native.ArgumentError("length: receiver is not a string")
		}
		return value.Number(float64(len([]rune(recv.Obj.Str)))), nil
	})

	native.Register(v.Heap, v.GCClass, "collect", true, func(args []value.Value) (value.Value, error) {
		v.Collect(true)
		return value.Nil, nil
	})

	v.registerBlockNative(v.Heap, v.ArrayClass, "each", blockNativeEach)
	v.registerBlockNative(v.Heap, v.ArrayClass, "map", blockNativeMap)
	v.registerBlockNative(v.Heap, v.ArrayClass, "select", blockNativeSelect)
	v.registerBlockNative(v.Heap, v.ArrayClass, "reject", blockNativeReject)
	v.registerBlockNative(v.Heap, v.ArrayClass, "find", blockNativeFind)
	v.registerBlockNative(v.Heap, v.ArrayClass, "reduce", blockNativeReduce)
}

// Yield is the per-call block invocation: run th's active
// blockArg with the given yielded values, returning the block's value or a
// propagating Unwind. Break reaching exactly this invocation is absorbed
// here (consumed by the native iteration helper); continue's value is
// handed back as the iteration's per-element result; Return and uncaught
// Throw propagate to the caller.
func (v *VM) Yield(th *thread.Thread, blockArg *value.Object, args []value.Value) (value.Value, *block.Unwind, bool /*brk*/) {
	if blockArg == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.Root, "no block given")), false
	}
	res, uw := v.runClosure(th, blockArg, value.Nil, args, nil)
	if uw == nil {
		return res, nil, false
	}
	switch uw.Reason {
	case block.BreakBlock:
		return value.Nil, nil, true
	case block.ContinueBlock:
		return uw.Value, nil, false
	default:
		return value.Nil, uw, false
	}
}

// enterIteration pushes a fresh block-stack entry for one native
// iteration call, recording the frame depth the iteration was entered at.
// The caller pops it when iteration ends, whatever the exit path; while it
// is live, the entry's accumulators are GC roots (VM.GCRoots).
func enterIteration(th *thread.Thread) *block.Entry {
	e := &block.Entry{FrameDepth: len(th.EC().Frames)}
	th.Blocks.Push(e)
	return e
}

// blockNativeEach implements `Array#each`, the canonical
// yield-protocol exercise: run blockArg once per element, honoring break
// (stop, return the receiver) without using a host exception.
func blockNativeEach(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "each: receiver is not an array"))
	}
	enterIteration(th)
	defer th.Blocks.Pop()
	for _, e := range recv.Obj.Elems {
		_, uw, brk := v.Yield(th, blockArg, []value.Value{e})
		if uw != nil {
			return value.Nil, uw
		}
		if brk {
			break
		}
	}
	return recv, nil
}

// blockNativeMap implements `Array#map`: collects the block's result for
// every element into the entry's accumulator; break stops early and
// returns only the elements collected so far.
func blockNativeMap(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "map: receiver is not an array"))
	}
	ent := enterIteration(th)
	defer th.Blocks.Pop()
	for _, e := range recv.Obj.Elems {
		res, uw, brk := v.Yield(th, blockArg, []value.Value{e})
		if uw != nil {
			return value.Nil, uw
		}
		if brk {
			break
		}
		ent.Accum = append(ent.Accum, res)
	}
	return value.FromObject(v.Heap.AllocArray(ent.Accum)), nil
}

// blockNativeSelect implements `Array#select`: keeps elements for which
// the block returns truthy.
func blockNativeSelect(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	return filterArray(v, th, recv, blockArg, true)
}

// blockNativeReject implements `Array#reject`: the inverse of select.
func blockNativeReject(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	return filterArray(v, th, recv, blockArg, false)
}

func filterArray(v *VM, th *thread.Thread, recv value.Value, blockArg *value.Object, keepTruthy bool) (value.Value, *block.Unwind) {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "receiver is not an array"))
	}
	ent := enterIteration(th)
	defer th.Blocks.Pop()
	for _, e := range recv.Obj.Elems {
		res, uw, brk := v.Yield(th, blockArg, []value.Value{e})
		if uw != nil {
			return value.Nil, uw
		}
		if brk {
			break
		}
		if res.Truthy() == keepTruthy {
			ent.Accum = append(ent.Accum, e)
		}
	}
	return value.FromObject(v.Heap.AllocArray(ent.Accum)), nil
}

// blockNativeFind implements `Array#find`: the entry's IterStop flag ends
// iteration on the first element the block is truthy for; nil if none
// match or break is hit first.
func blockNativeFind(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "find: receiver is not an array"))
	}
	ent := enterIteration(th)
	defer th.Blocks.Pop()
	for _, e := range recv.Obj.Elems {
		if ent.IterStop {
			break
		}
		res, uw, brk := v.Yield(th, blockArg, []value.Value{e})
		if uw != nil {
			return value.Nil, uw
		}
		if brk {
			break
		}
		if res.Truthy() {
			ent.IterStop = true
			ent.Acc1 = e
		}
	}
	if ent.IterStop {
		return ent.Acc1, nil
	}
	return value.Nil, nil
}

// blockNativeReduce implements `Array#reduce(initial) { |acc, e| ... }`,
// threading the running accumulator through the entry's Acc1 slot.
func blockNativeReduce(v *VM, th *thread.Thread, recv value.Value, args []value.Value, blockArg *value.Object) (value.Value, *block.Unwind) {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "reduce: receiver is not an array"))
	}
	ent := enterIteration(th)
	defer th.Blocks.Pop()
	elems := recv.Obj.Elems
	if len(args) > 0 {
		ent.Acc1 = args[0]
	} else if len(elems) > 0 {
		ent.Acc1 = elems[0]
		elems = elems[1:]
	} else {
		return value.Nil, nil
	}
	for _, e := range elems {
		res, uw, brk := v.Yield(th, blockArg, []value.Value{ent.Acc1, e})
		if uw != nil {
			return value.Nil, uw
		}
		if brk {
			break
		}
		ent.Acc1 = res
	}
	return ent.Acc1, nil
}
