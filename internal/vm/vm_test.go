package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loxcore/internal/block"
	"loxcore/internal/bytecode"
	"loxcore/internal/config"
	"loxcore/internal/native"
	"loxcore/internal/value"
)

// runTopLevel wraps w's chunk as a synthetic top-level function, as
// cmd/loxvm's `run` subcommand does for a deserialized Chunk, and executes
// it on the VM's main thread.
func runTopLevel(t *testing.T, vmInst *VM, w *bytecode.Writer) value.Value {
	t.Helper()
	fn := &value.FunctionTemplate{Name: "main", Chunk: w.Chunk(), Kind: value.FnTop}
	fnObj := vmInst.Heap.AllocFunction(fn)
	closureObj := vmInst.Heap.AllocClosure(fnObj.Fn, nil, false)

	th := vmInst.Threads.Main()
	result, uw := vmInst.Call(th, value.FromObject(closureObj), value.Nil, nil, nil)
	require.Nil(t, uw, "unexpected unwind: %v", uw)
	return result
}

func newTestVM() *VM {
	return New(config.Default())
}

func TestArithmeticAndReturn(t *testing.T) {
	vmInst := newTestVM()
	w := bytecode.NewWriter()
	a := w.AddConstant(value.Number(3))
	b := w.AddConstant(value.Number(4))
	w.Emit(1, bytecode.OP_CONSTANT, a)
	w.Emit(1, bytecode.OP_CONSTANT, b)
	w.Emit(1, bytecode.OP_ADD)
	w.Emit(1, bytecode.OP_RETURN)

	result := runTopLevel(t, vmInst, w)
	assert.Equal(t, float64(7), result.Num)
}

func TestGlobalDefineGetSet(t *testing.T) {
	vmInst := newTestVM()
	w := bytecode.NewWriter()
	nameIdx := w.AddConstant(value.FromObject(vmInst.Heap.Intern("counter")))
	val := w.AddConstant(value.Number(1))
	newVal := w.AddConstant(value.Number(2))

	w.Emit(1, bytecode.OP_CONSTANT, val)
	w.Emit(1, bytecode.OP_DEFINE_GLOBAL, nameIdx)
	w.Emit(2, bytecode.OP_CONSTANT, newVal)
	w.Emit(2, bytecode.OP_SET_GLOBAL, nameIdx)
	w.Emit(2, bytecode.OP_POP)
	w.Emit(3, bytecode.OP_GET_GLOBAL, nameIdx)
	w.Emit(3, bytecode.OP_RETURN)

	result := runTopLevel(t, vmInst, w)
	assert.Equal(t, float64(2), result.Num)
}

func TestSetUndefinedGlobalRaisesNameError(t *testing.T) {
	vmInst := newTestVM()
	w := bytecode.NewWriter()
	nameIdx := w.AddConstant(value.FromObject(vmInst.Heap.Intern("nope")))
	val := w.AddConstant(value.Number(1))

	w.Emit(1, bytecode.OP_CONSTANT, val)
	w.Emit(1, bytecode.OP_SET_GLOBAL, nameIdx)
	w.Emit(1, bytecode.OP_RETURN)

	fn := &value.FunctionTemplate{Name: "main", Chunk: w.Chunk(), Kind: value.FnTop}
	fnObj := vmInst.Heap.AllocFunction(fn)
	closureObj := vmInst.Heap.AllocClosure(fnObj.Fn, nil, false)
	th := vmInst.Threads.Main()

	_, uw := vmInst.Call(th, value.FromObject(closureObj), value.Nil, nil, nil)
	require.NotNil(t, uw)
	assert.Equal(t, "NameError", uw.Value.Obj.Class.Name)
}

func TestThrowCaughtByMatchingCatchRow(t *testing.T) {
	vmInst := newTestVM()
	w := bytecode.NewWriter()
	msgIdx := w.AddConstant(value.FromObject(vmInst.Heap.Intern("boom")))
	propNameIdx := w.AddConstant(value.FromObject(vmInst.Heap.Intern("message")))

	// TRY: throw "boom"  CATCH Error -> push thrown's message as the result
	throwPos := w.Emit(1, bytecode.OP_STRING, msgIdx, 0)
	w.Emit(1, bytecode.OP_THROW)
	catchTarget := len(w.Chunk().Code)
	w.Emit(2, bytecode.OP_GET_THROWN, 0)
	w.Emit(2, bytecode.OP_PROP_GET, propNameIdx)
	w.Emit(2, bytecode.OP_RETURN)

	row := &value.CatchRow{From: throwPos, To: catchTarget, CatchClassName: "Error", Target: catchTarget}
	w.AddCatch(row)

	result := runTopLevel(t, vmInst, w)
	assert.Equal(t, "boom", result.Obj.Str)
}

func TestBlockBreakUnwindsWithReasonBreak(t *testing.T) {
	vmInst := newTestVM()
	w := bytecode.NewWriter()
	w.Emit(1, bytecode.OP_BLOCK_BREAK)

	fn := &value.FunctionTemplate{Name: "blk", Chunk: w.Chunk(), Kind: value.FnBlock}
	fnObj := vmInst.Heap.AllocFunction(fn)
	closureObj := vmInst.Heap.AllocClosure(fnObj.Fn, nil, true)
	th := vmInst.Threads.Main()

	_, uw := vmInst.Call(th, value.FromObject(closureObj), value.Nil, nil, nil)
	require.NotNil(t, uw)
	assert.True(t, uw.IsBlockExit())
}

func TestCallNativeMethodEnforcesRecursionLimit(t *testing.T) {
	vmInst := newTestVM()
	vmInst.maxCallDepth = 0

	klass := vmInst.Heap.AllocClass("C", false)
	native := vmInst.Heap.AllocNative("noop", func(args []value.Value) (value.Value, error) {
		return value.Nil, nil
	}, klass.Class, false)

	th := vmInst.Threads.Main()
	_, uw := vmInst.Call(th, value.FromObject(native), value.Nil, nil, nil)
	require.NotNil(t, uw)
	assert.Equal(t, "RecursionError", uw.Value.Obj.Class.Name)
}

func TestInvokeDispatchesThroughSuperclassChain(t *testing.T) {
	vmInst := newTestVM()
	base := vmInst.Heap.AllocClass("Base", false)
	sub := vmInst.Heap.AllocClass("Sub", false)
	sub.Class.Superclass = base

	base.Class.AddMethod("greet", vmInst.Heap.AllocNative("greet", func(args []value.Value) (value.Value, error) {
		return value.Number(7), nil
	}, base.Class, false))

	inst := vmInst.Heap.AllocInstance(sub)
	th := vmInst.Threads.Main()
	result, uw := vmInst.Invoke(th, value.FromObject(inst), "greet", nil, nil)
	require.Nil(t, uw)
	assert.Equal(t, float64(7), result.Num)
}

func TestInvokeUndefinedMethodRaisesNameError(t *testing.T) {
	vmInst := newTestVM()
	cls := vmInst.Heap.AllocClass("C", false)
	inst := vmInst.Heap.AllocInstance(cls)
	th := vmInst.Threads.Main()

	_, uw := vmInst.Invoke(th, value.FromObject(inst), "missing", nil, nil)
	require.NotNil(t, uw)
	assert.Equal(t, "NameError", uw.Value.Obj.Class.Name)
}

// TestClosureCountsThroughClosedUpvalue builds the classic counter shape:
// mk() initializes a local, closes over it, and returns the closure; each
// call of the closure increments through the (by then closed) upvalue.
func TestClosureCountsThroughClosedUpvalue(t *testing.T) {
	vmInst := newTestVM()

	inc := bytecode.NewWriter()
	oneIdx := inc.AddConstant(value.Number(1))
	inc.Emit(1, bytecode.OP_GET_UPVALUE, 0, 0)
	inc.Emit(1, bytecode.OP_CONSTANT, oneIdx)
	inc.Emit(1, bytecode.OP_ADD)
	inc.Emit(1, bytecode.OP_SET_UPVALUE, 0, 0)
	inc.Emit(1, bytecode.OP_RETURN)
	incFn := &value.FunctionTemplate{
		Name:     "inc",
		Chunk:    inc.Chunk(),
		Upvalues: []value.UpvalueDesc{{IsLocal: true, Index: 0}},
	}

	mk := bytecode.NewWriter()
	zeroIdx := mk.AddConstant(value.Number(0))
	fnIdx := mk.AddConstant(value.FromObject(vmInst.Heap.AllocFunction(incFn)))
	mk.Emit(1, bytecode.OP_CONSTANT, zeroIdx)
	mk.Emit(1, bytecode.OP_SET_LOCAL, 0, 0)
	mk.Emit(1, bytecode.OP_POP)
	mk.Emit(2, bytecode.OP_CLOSURE, fnIdx, 1, 0)
	mk.Emit(3, bytecode.OP_RETURN)

	mkFn := &value.FunctionTemplate{Name: "mk", Chunk: mk.Chunk(), Locals: []string{"x"}}
	mkObj := vmInst.Heap.AllocClosure(mkFn, nil, false)

	th := vmInst.Threads.Main()
	counter, uw := vmInst.Call(th, value.FromObject(mkObj), value.Nil, nil, nil)
	require.Nil(t, uw)
	require.Equal(t, value.KindClosure, counter.Obj.Kind)

	for want := 1; want <= 3; want++ {
		got, uw := vmInst.Call(th, counter, value.Nil, nil, nil)
		require.Nil(t, uw)
		assert.Equal(t, float64(want), got.Num)
	}
}

// TestEnsureRunsThenUnwindResumes: the ensure
// handler observes the in-flight exception exactly once, runs to
// completion, and the exception keeps propagating afterwards — including
// when the handler body ends exactly at the end of the chunk.
func TestEnsureRunsThenUnwindResumes(t *testing.T) {
	vmInst := newTestVM()
	w := bytecode.NewWriter()
	msgIdx := w.AddConstant(value.FromObject(vmInst.Heap.Intern("e")))
	finIdx := w.AddConstant(value.FromObject(vmInst.Heap.Intern("fin")))

	w.Emit(1, bytecode.OP_STRING, msgIdx, 0)
	throwPos := w.Emit(1, bytecode.OP_THROW)
	target := len(w.Chunk().Code)
	w.Emit(2, bytecode.OP_TRUE)
	w.Emit(2, bytecode.OP_DEFINE_GLOBAL, finIdx)
	w.AddCatch(&value.CatchRow{
		From: 0, To: throwPos + 1, Target: target,
		HandlerEnd: len(w.Chunk().Code), IsEnsure: true,
	})

	fn := &value.FunctionTemplate{Name: "main", Chunk: w.Chunk(), Kind: value.FnTop}
	closureObj := vmInst.Heap.AllocClosure(fn, nil, false)
	th := vmInst.Threads.Main()

	_, uw := vmInst.Call(th, value.FromObject(closureObj), value.Nil, nil, nil)
	require.NotNil(t, uw, "the exception resumes after the ensure handler")
	assert.Equal(t, "Error", uw.Value.Obj.Class.Name)

	fin, ok := vmInst.GetGlobal("fin")
	require.True(t, ok, "ensure handler ran before the unwind resumed")
	assert.True(t, fin.Truthy())
}

// TestBlockReturnPropagatesThroughEach: a block's
// `return` escapes the native iteration helper rather than being consumed
// as a per-element result.
func TestBlockReturnPropagatesThroughEach(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	blk := bytecode.NewWriter()
	tenIdx := blk.AddConstant(value.Number(10))
	blk.Emit(1, bytecode.OP_CONSTANT, tenIdx)
	blk.Emit(1, bytecode.OP_BLOCK_RETURN)
	blkFn := &value.FunctionTemplate{Name: "blk", Arity: 1, Chunk: blk.Chunk(), Kind: value.FnBlock}
	blkObj := vmInst.Heap.AllocClosure(blkFn, nil, true)

	arr := vmInst.Heap.AllocArray([]value.Value{value.Number(1), value.Number(10), value.Number(3)})
	_, uw := vmInst.Invoke(th, value.FromObject(arr), "each", nil, blkObj)
	require.NotNil(t, uw)
	assert.Equal(t, block.ReturnBlock, uw.Reason)
	assert.Equal(t, float64(10), uw.Value.Num)
	assert.Equal(t, 0, th.Blocks.Depth(), "the iteration's block-stack entry is popped on unwind exit")
}

// TestBlockBreakStopsEach: break ends the iteration and is absorbed by the
// native helper, which returns its receiver normally.
func TestBlockBreakStopsEach(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	blk := bytecode.NewWriter()
	blk.Emit(1, bytecode.OP_BLOCK_BREAK)
	blkFn := &value.FunctionTemplate{Name: "blk", Arity: 1, Chunk: blk.Chunk(), Kind: value.FnBlock}
	blkObj := vmInst.Heap.AllocClosure(blkFn, nil, true)

	arr := vmInst.Heap.AllocArray([]value.Value{value.Number(1), value.Number(2)})
	res, uw := vmInst.Invoke(th, value.FromObject(arr), "each", nil, blkObj)
	require.Nil(t, uw, "break never escapes the iteration helper")
	assert.Same(t, arr, res.Obj)
	assert.Equal(t, 0, th.Blocks.Depth(), "the iteration's block-stack entry is popped on break exit")
}

// TestMapCollectsBlockResults drives `Array#map` end to end: the block
// doubles each element via the continue path, and the accumulator that
// rides the block-stack entry becomes the result array.
func TestMapCollectsBlockResults(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	blk := bytecode.NewWriter()
	two := blk.AddConstant(value.Number(2))
	blk.Emit(1, bytecode.OP_GET_LOCAL, 0, 0)
	blk.Emit(1, bytecode.OP_CONSTANT, two)
	blk.Emit(1, bytecode.OP_MULTIPLY)
	blk.Emit(1, bytecode.OP_BLOCK_CONTINUE)
	blkFn := &value.FunctionTemplate{Name: "blk", Arity: 1, Chunk: blk.Chunk(), Kind: value.FnBlock}
	blkObj := vmInst.Heap.AllocClosure(blkFn, nil, true)

	arr := vmInst.Heap.AllocArray([]value.Value{value.Number(1), value.Number(2), value.Number(3)})
	res, uw := vmInst.Invoke(th, value.FromObject(arr), "map", nil, blkObj)
	require.Nil(t, uw)
	require.Len(t, res.Obj.Elems, 3)
	assert.Equal(t, float64(2), res.Obj.Elems[0].Num)
	assert.Equal(t, float64(4), res.Obj.Elems[1].Num)
	assert.Equal(t, float64(6), res.Obj.Elems[2].Num)
	assert.Equal(t, 0, th.Blocks.Depth())
}

// TestTrappedSignalInvokesHandlerAtSafePoint: a signal enqueued on the
// thread is drained between instructions and routed to the registered
// handler with the signal number as its argument.
func TestTrappedSignalInvokesHandlerAtSafePoint(t *testing.T) {
	cfg := config.Default()
	cfg.Threads.CheckpointInstructions = 1
	vmInst := New(cfg)
	th := vmInst.Threads.Main()

	var got []float64
	handler := vmInst.Heap.AllocNative("trap", func(args []value.Value) (value.Value, error) {
		got = append(got, args[0].Num)
		return value.Nil, nil
	}, nil, false)
	vmInst.TrapSignal(15, value.FromObject(handler))
	th.EnqueueSignal(15)

	w := bytecode.NewWriter()
	w.Emit(1, bytecode.OP_NIL)
	w.Emit(1, bytecode.OP_RETURN)
	runTopLevel(t, vmInst, w)

	assert.Equal(t, []float64{15}, got)
	assert.False(t, th.CheckInterrupt())
}

// TestUntrappedSignalRaisesSystemError: with no handler registered, the
// safe-point drain raises instead of silently discarding the signal.
func TestUntrappedSignalRaisesSystemError(t *testing.T) {
	cfg := config.Default()
	cfg.Threads.CheckpointInstructions = 1
	vmInst := New(cfg)
	th := vmInst.Threads.Main()
	th.EnqueueSignal(2)

	w := bytecode.NewWriter()
	w.Emit(1, bytecode.OP_NIL)
	w.Emit(1, bytecode.OP_RETURN)
	fn := &value.FunctionTemplate{Name: "main", Chunk: w.Chunk(), Kind: value.FnTop}
	closureObj := vmInst.Heap.AllocClosure(fn, nil, false)

	_, uw := vmInst.Call(th, value.FromObject(closureObj), value.Nil, nil, nil)
	require.NotNil(t, uw)
	assert.Equal(t, "SystemError", uw.Value.Obj.Class.Name)
}

// TestIncludeNativeWiresModuleAtRuntime: `C.include(M)` dispatches through
// the include native on the Object root, after which instances of C
// resolve M's methods.
func TestIncludeNativeWiresModuleAtRuntime(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	mod := vmInst.Heap.AllocClass("Helpers", true)
	hi := vmInst.Heap.Intern("hi")
	native.Register(vmInst.Heap, mod, "greet", false, func(args []value.Value) (value.Value, error) {
		return value.FromObject(hi), nil
	})
	cls := vmInst.Heap.AllocClass("C", false)
	cls.Class.Superclass = vmInst.RootObject

	res, uw := vmInst.Invoke(th, value.FromObject(cls), "include", []value.Value{value.FromObject(mod)}, nil)
	require.Nil(t, uw)
	assert.Same(t, cls, res.Obj)

	inst := vmInst.Heap.AllocInstance(cls)
	got, uw := vmInst.Invoke(th, value.FromObject(inst), "greet", nil, nil)
	require.Nil(t, uw)
	assert.Equal(t, "hi", got.Obj.Str)
}

func TestIncludeNativeRejectsInstanceReceiver(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	mod := vmInst.Heap.AllocClass("Helpers", true)
	cls := vmInst.Heap.AllocClass("C", false)
	cls.Class.Superclass = vmInst.RootObject
	inst := vmInst.Heap.AllocInstance(cls)

	_, uw := vmInst.Invoke(th, value.FromObject(inst), "include", []value.Value{value.FromObject(mod)}, nil)
	require.NotNil(t, uw)
	assert.Equal(t, "ArgumentError", uw.Value.Obj.Class.Name)
}

// TestModuleIncludeProvidesMethod: a method defined
// on a module becomes callable on instances of a class that includes it.
func TestModuleIncludeProvidesMethod(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	mod := vmInst.Heap.AllocClass("M", true)
	hi := vmInst.Heap.Intern("hi")
	native.Register(vmInst.Heap, mod, "greet", false, func(args []value.Value) (value.Value, error) {
		return value.FromObject(hi), nil
	})

	cls := vmInst.Heap.AllocClass("C", false)
	cls.Class.Superclass = vmInst.RootObject
	value.IncludeModule(cls, mod)

	inst := vmInst.Heap.AllocInstance(cls)
	res, uw := vmInst.Invoke(th, value.FromObject(inst), "greet", nil, nil)
	require.Nil(t, uw)
	assert.Equal(t, "hi", res.Obj.Str)
}

func TestInvokeStaticMethodOnModuleReceiver(t *testing.T) {
	vmInst := newTestVM()
	th := vmInst.Threads.Main()

	before := vmInst.Heap.Stats().MajorCycles
	_, uw := vmInst.Invoke(th, value.FromObject(vmInst.GCClass), "collect", nil, nil)
	require.Nil(t, uw)
	assert.Equal(t, before+1, vmInst.Heap.Stats().MajorCycles, "GC.collect forces a major cycle")
}

func TestGCRootsCoversStackAndGlobals(t *testing.T) {
	vmInst := newTestVM()
	s := vmInst.Heap.AllocString("rooted")
	vmInst.DefineGlobal("g", value.FromObject(s))

	roots := vmInst.GCRoots()
	found := false
	for _, o := range roots {
		if o == s {
			found = true
		}
	}
	assert.True(t, found, "a global referencing a heap object is a GC root")
}

func TestCollectRunsWithoutPanicking(t *testing.T) {
	vmInst := newTestVM()
	vmInst.Heap.AllocString("garbage")
	assert.NotPanics(t, func() { vmInst.Collect(true) })
}

func TestIndexGetSetOnArray(t *testing.T) {
	vmInst := newTestVM()
	arr := vmInst.Heap.AllocArray([]value.Value{value.Number(1), value.Number(2)})
	vmInst.indexSet(value.FromObject(arr), value.Number(0), value.Number(99))
	got := vmInst.indexGet(value.FromObject(arr), value.Number(0))
	assert.Equal(t, float64(99), got.Num)
}

func TestIndexGetOutOfRangeReturnsNil(t *testing.T) {
	vmInst := newTestVM()
	arr := vmInst.Heap.AllocArray([]value.Value{value.Number(1)})
	got := vmInst.indexGet(value.FromObject(arr), value.Number(5))
	assert.Equal(t, value.Nil, got)
}
