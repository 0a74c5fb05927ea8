package vm

import (
	"fmt"

	"loxcore/internal/block"
	"loxcore/internal/bytecode"
	"loxcore/internal/class"
	"loxcore/internal/errorsx"
	"loxcore/internal/thread"
	"loxcore/internal/value"
)

type arrayIterState struct {
	arr *value.Object
	idx int
}

// execFrame is the interpreter's inner loop: fetch, decode, execute. The
// block fr was itself called with lives at fr.BlockArg; each CALL/INVOKE
// instruction pops its own fresh block operand rather than forwarding it.
func (v *VM) execFrame(th *thread.Thread, fr *thread.Frame) (value.Value, *block.Unwind) {
	ec := th.EC()
	chunk := fr.Closure.Fn.Chunk

	push := func(val value.Value) { ec.Stack = append(ec.Stack, val) }
	pop := func() value.Value {
		n := len(ec.Stack) - 1
		val := ec.Stack[n]
		ec.Stack = ec.Stack[:n]
		return val
	}
	peek := func(back int) value.Value { return ec.Stack[len(ec.Stack)-1-back] }

	checkpoint := 0

	for {
		// A pending ensure-protected unwind resumes once the handler body
		// is done, including when HandlerEnd is the end of the chunk — the
		// check must precede the end-of-code exit or the exception would be
		// silently swallowed.
		if fr.PendingUnwind != nil && fr.IP >= fr.PendingEnsureEnd {
			puw := fr.PendingUnwind
			pbs := fr.PendingBlockSupplied
			fr.PendingUnwind = nil
			switch v.handleUnwind(th, fr, chunk, fr.IP, puw, pbs) {
			case outcomeCaught:
				continue
			case outcomeCollapse:
				return puw.Value, nil
			default:
				return value.Nil, puw
			}
		}
		if fr.IP >= len(chunk.Code) {
			break
		}

		checkpoint++
		if checkpoint >= v.Config.Threads.CheckpointInstructions {
			checkpoint = 0
			// Allocation-pressure check lives at the same safe point as
			// signal draining: between instructions every root is on the
			// value stack or in a frame, so nothing live is invisible to
			// GCRoots.
			if v.Heap.NeedsCollection() {
				v.Collect(false)
			}
			if sigs := th.DrainSignals(); len(sigs) > 0 {
				th.ClearInterrupt()
				if uw := v.deliverSignals(th, sigs); uw != nil {
					switch v.handleUnwind(th, fr, chunk, fr.IP, uw, false) {
					case outcomeCaught:
						continue
					case outcomeCollapse:
						return uw.Value, nil
					default:
						return value.Nil, uw
					}
				}
			}
		}

		startIP := fr.IP
		inst, next := bytecode.Decode(chunk, fr.IP)
		th.LastOpcode = byte(inst.Opcode)

		var uw *block.Unwind
		blockSupplied := false

		switch inst.Opcode {

		// --- Literals/constants ---
		case bytecode.OP_CONSTANT:
			push(chunk.Constants[inst.Operands[0]])
		case bytecode.OP_TRUE:
			push(value.True)
		case bytecode.OP_FALSE:
			push(value.False)
		case bytecode.OP_NIL:
			push(value.Nil)
		case bytecode.OP_STRING:
			idx := int(inst.Operands[0])
			static := inst.Operands[1] != 0
			c := chunk.Constants[idx]
			if static {
				push(c)
			} else if c.IsObject() && c.Obj != nil {
				push(value.FromObject(v.Heap.AllocString(c.Obj.Str)))
			} else {
				push(c)
			}
		case bytecode.OP_ARRAY:
			n := int(inst.Operands[0])
			elems := make([]value.Value, n)
			copy(elems, ec.Stack[len(ec.Stack)-n:])
			ec.Stack = ec.Stack[:len(ec.Stack)-n]
			push(value.FromObject(v.Heap.AllocArray(elems)))
		case bytecode.OP_DUPARRAY:
			src := chunk.Constants[inst.Operands[0]]
			push(value.FromObject(v.dupArray(src.Obj)))
		case bytecode.OP_MAP:
			n := int(inst.Operands[0])
			m := v.Heap.AllocMap()
			kvs := ec.Stack[len(ec.Stack)-2*n:]
			for i := 0; i < n; i++ {
				m.MapData.Set(kvs[2*i], kvs[2*i+1])
			}
			ec.Stack = ec.Stack[:len(ec.Stack)-2*n]
			push(value.FromObject(m))
		case bytecode.OP_DUPMAP:
			src := chunk.Constants[inst.Operands[0]]
			push(value.FromObject(v.dupMap(src.Obj)))
		case bytecode.OP_REGEX:
			c := chunk.Constants[inst.Operands[0]]
			push(value.FromObject(v.Heap.AllocInternal(c, false)))

		// --- Arithmetic/logic ---
		case bytecode.OP_ADD, bytecode.OP_SUBTRACT, bytecode.OP_MULTIPLY, bytecode.OP_DIVIDE,
			bytecode.OP_MODULO, bytecode.OP_BITOR, bytecode.OP_BITAND, bytecode.OP_BITXOR,
			bytecode.OP_SHOVEL_L, bytecode.OP_SHOVEL_R:
			b := pop()
			a := pop()
			res, err := v.arith(inst.Opcode, a, b)
			if err != nil {
				uw = block.Throw(v.errorValue(v.Errors.TypeError, err.Error()))
			} else {
				push(res)
			}
		case bytecode.OP_NEGATE:
			a := pop()
			if !a.IsNumber() {
				uw = block.Throw(v.errorValue(v.Errors.TypeError, "operand must be a number"))
			} else {
				push(value.Number(-a.Num))
			}
		case bytecode.OP_NOT:
			push(value.Bool(!pop().Truthy()))

		// --- Comparison ---
		case bytecode.OP_EQUAL, bytecode.OP_NOT_EQUAL:
			b := pop()
			a := pop()
			eq, unw := v.valuesEqual(th, a, b)
			if unw != nil {
				uw = unw
			} else if inst.Opcode == bytecode.OP_EQUAL {
				push(value.Bool(eq))
			} else {
				push(value.Bool(!eq))
			}
		case bytecode.OP_LESS, bytecode.OP_GREATER, bytecode.OP_LESS_EQUAL, bytecode.OP_GREATER_EQUAL:
			b := pop()
			a := pop()
			res, err := v.compare(inst.Opcode, a, b)
			if err != nil {
				uw = block.Throw(v.errorValue(v.Errors.TypeError, err.Error()))
			} else {
				push(value.Bool(res))
			}

		// --- Locals/upvalues/globals/constants ---
		case bytecode.OP_GET_LOCAL:
			slot := int(inst.Operands[0])
			push(ec.Stack[fr.BasePtr+slot])
		case bytecode.OP_SET_LOCAL:
			slot := int(inst.Operands[0])
			ec.Stack[fr.BasePtr+slot] = peek(0)
		case bytecode.OP_UNPACK_SET_LOCAL:
			slot, i := int(inst.Operands[0]), int(inst.Operands[1])
			arrVal := peek(0)
			ec.Stack[fr.BasePtr+slot] = arrayElemOrNil(arrVal, i)
		case bytecode.OP_GET_UPVALUE:
			slot := int(inst.Operands[0])
			push(fr.Closure.Upvals[slot].Load())
		case bytecode.OP_SET_UPVALUE:
			slot := int(inst.Operands[0])
			fr.Closure.Upvals[slot].Store(peek(0))
		case bytecode.OP_CLOSE_UPVALUE:
			closeUpvaluesFrom(th, len(ec.Stack)-1)
			pop()
		case bytecode.OP_GET_GLOBAL:
			name := constString(chunk, inst.Operands[0])
			val, ok := v.GetGlobal(name)
			if !ok {
				uw = block.Throw(v.errorValue(v.Errors.NameError, "undefined global '"+name+"'"))
			} else {
				push(val)
			}
		case bytecode.OP_SET_GLOBAL:
			name := constString(chunk, inst.Operands[0])
			if !v.SetGlobal(name, peek(0)) {
				uw = block.Throw(v.errorValue(v.Errors.NameError, "undefined global '"+name+"'"))
			}
		case bytecode.OP_DEFINE_GLOBAL:
			name := constString(chunk, inst.Operands[0])
			v.DefineGlobal(name, pop())
		case bytecode.OP_UNPACK_DEFINE_GLOBAL:
			name := constString(chunk, inst.Operands[0])
			i := int(inst.Operands[1])
			v.DefineGlobal(name, arrayElemOrNil(peek(0), i))
		case bytecode.OP_GET_CONST:
			name := constString(chunk, inst.Operands[0])
			val, ok := v.resolveConst(th, name)
			if !ok {
				uw = block.Throw(v.errorValue(v.Errors.NameError, "uninitialized constant "+name))
			} else {
				push(val)
			}
		case bytecode.OP_SET_CONST:
			name := constString(chunk, inst.Operands[0])
			if len(th.CrefStack) > 0 {
				th.CrefStack[len(th.CrefStack)-1].Constants[name] = peek(0)
			} else {
				v.constantsMu.Lock()
				v.constants[name] = peek(0)
				v.constantsMu.Unlock()
			}
		case bytecode.OP_GET_CONST_UNDER:
			name := constString(chunk, inst.Operands[0])
			under := pop()
			if under.IsObject() && under.Obj != nil && under.Obj.Class != nil {
				if val, ok := class.ResolveConstant(under.Obj.Class, name); ok {
					push(val)
				} else {
					uw = block.Throw(v.errorValue(v.Errors.NameError, "uninitialized constant "+name))
				}
			} else {
				uw = block.Throw(v.errorValue(v.Errors.TypeError, "not a class/module"))
			}

		// --- Calls and methods ---
		case bytecode.OP_CALL:
			argc := int(inst.Operands[0])
			ci := resolveCallInfo(chunk, inst.Operands[1])
			callBlock := popCallBlock(pop, ci)
			args := popN(ec, argc)
			callee := pop()
			res, unw := v.Call(th, callee, value.Nil, args, callBlock)
			if unw != nil {
				uw = unw
				blockSupplied = callBlock != nil
			} else {
				push(res)
			}
		case bytecode.OP_INVOKE:
			name := constString(chunk, inst.Operands[0])
			argc := int(inst.Operands[1])
			ci := resolveCallInfo(chunk, inst.Operands[2])
			callBlock := popCallBlock(pop, ci)
			args := popN(ec, argc)
			receiver := pop()
			res, unw := v.Invoke(th, receiver, name, args, callBlock)
			if unw != nil {
				uw = unw
				blockSupplied = callBlock != nil
			} else {
				push(res)
			}
		case bytecode.OP_CLOSURE:
			fnConst := chunk.Constants[inst.Operands[0]]
			push(value.FromObject(v.makeClosure(th, fr, fnConst.Obj.Fn)))
		case bytecode.OP_SPLAT_ARRAY:
			arr := pop()
			if arr.IsObject() && arr.Obj != nil && arr.Obj.Kind == value.KindArray {
				for _, e := range arr.Obj.Elems {
					push(e)
				}
				fr.LastSplatNumArgs = len(arr.Obj.Elems)
			}
		case bytecode.OP_GET_THIS:
			push(fr.This)
		case bytecode.OP_GET_SUPER:
			name := constString(chunk, inst.Operands[0])
			if fr.EnclosingCls == nil || fr.EnclosingCls.Superclass == nil {
				uw = block.Throw(v.errorValue(v.Errors.NameError, "no superclass method '"+name+"'"))
			} else if fn, _, ok := class.ResolveMethod(fr.EnclosingCls.Superclass.Class, name); !ok {
				uw = block.Throw(v.errorValue(v.Errors.NameError, "undefined method '"+name+"' for super"))
			} else {
				push(value.FromObject(v.Heap.AllocBoundMethod(fr.This, value.FromObject(fn))))
			}
		case bytecode.OP_METHOD, bytecode.OP_CLASS_METHOD, bytecode.OP_GETTER, bytecode.OP_SETTER:
			name := constString(chunk, inst.Operands[0])
			fnVal := pop()
			if len(th.CrefStack) == 0 {
				uw = block.Throw(v.errorValue(v.Errors.NameError, "method definition outside a class body"))
				break
			}
			cref := th.CrefStack[len(th.CrefStack)-1]
			switch inst.Opcode {
			case bytecode.OP_METHOD:
				cref.AddMethod(name, fnVal.Obj)
			case bytecode.OP_CLASS_METHOD:
				cref.AddMethod("self."+name, fnVal.Obj)
			case bytecode.OP_GETTER:
				cref.Getters[name] = fnVal.Obj
			case bytecode.OP_SETTER:
				cref.Setters[name] = fnVal.Obj
			}
		case bytecode.OP_PROP_GET:
			name := constString(chunk, inst.Operands[0])
			recv := pop()
			val, unw := v.propGet(th, recv, name)
			if unw != nil {
				uw = unw
			} else {
				push(val)
			}
		case bytecode.OP_PROP_SET:
			name := constString(chunk, inst.Operands[0])
			val := pop()
			recv := pop()
			unw := v.propSet(th, recv, name, val)
			if unw != nil {
				uw = unw
			} else {
				push(val)
			}
		case bytecode.OP_CHECK_KEYWORD:
			kwSlot, mapSlot := int(inst.Operands[0]), int(inst.Operands[1])
			mapVal := ec.Stack[fr.BasePtr+mapSlot]
			kwIdx := kwSlot - fr.Closure.Fn.Arity
			if mapVal.IsObject() && mapVal.Obj != nil && mapVal.Obj.MapData != nil && kwIdx >= 0 && kwIdx < len(fr.Closure.Fn.KwargNames) {
				key := value.FromObject(v.Heap.Intern(fr.Closure.Fn.KwargNames[kwIdx]))
				if got, ok := mapVal.Obj.MapData.Get(key); ok {
					ec.Stack[fr.BasePtr+kwSlot] = got
				}
			}
		case bytecode.OP_TO_BLOCK:
			c := pop()
			if c.IsObject() && c.Obj != nil {
				c.Obj.IsBlock = true
			}
			push(c)

		// --- Class/module definition ---
		case bytecode.OP_CLASS:
			name := constString(chunk, inst.Operands[0])
			push(v.defineClassLike(th, name, false, v.RootObject))
		case bytecode.OP_MODULE:
			name := constString(chunk, inst.Operands[0])
			push(v.defineClassLike(th, name, true, nil))
		case bytecode.OP_SUBCLASS:
			name := constString(chunk, inst.Operands[0])
			super := pop()
			var superObj *value.Object
			if super.IsObject() {
				superObj = super.Obj
			}
			push(v.defineClassLike(th, name, false, superObj))
		case bytecode.OP_IN:
			top := peek(0)
			if top.IsObject() && top.Obj != nil {
				th.CrefStack = append(th.CrefStack, top.Obj.Class)
			}
		case bytecode.OP_POP_CREF:
			if len(th.CrefStack) > 0 {
				th.CrefStack = th.CrefStack[:len(th.CrefStack)-1]
			}

		// --- Control flow ---
		case bytecode.OP_JUMP:
			next = next + int(int8(inst.Operands[0]))
		case bytecode.OP_JUMP_IF_FALSE:
			if !pop().Truthy() {
				next = next + int(int8(inst.Operands[0]))
			}
		case bytecode.OP_JUMP_IF_TRUE:
			if pop().Truthy() {
				next = next + int(int8(inst.Operands[0]))
			}
		case bytecode.OP_JUMP_IF_FALSE_PEEK:
			if !peek(0).Truthy() {
				next = next + int(int8(inst.Operands[0]))
			}
		case bytecode.OP_JUMP_IF_TRUE_PEEK:
			if peek(0).Truthy() {
				next = next + int(int8(inst.Operands[0]))
			}
		case bytecode.OP_LOOP:
			next = next - int(inst.Operands[0])
		case bytecode.OP_RETURN:
			retVal := pop()
			return retVal, nil
		case bytecode.OP_LEAVE:
			return value.Nil, nil
		case bytecode.OP_PRINT:
			fmt.Println(pop().String())
		case bytecode.OP_POP:
			pop()
		case bytecode.OP_POP_N:
			n := int(inst.Operands[0])
			ec.Stack = ec.Stack[:len(ec.Stack)-n]

		// --- Iteration ---
		case bytecode.OP_ITER:
			src := pop()
			if src.IsObject() && src.Obj != nil && src.Obj.Kind == value.KindArray {
				push(value.FromObject(v.Heap.AllocInternal(&arrayIterState{arr: src.Obj}, false)))
			} else {
				push(value.FromObject(v.Heap.AllocInternal(&arrayIterState{arr: &value.Object{Kind: value.KindArray}}, false)))
			}
		case bytecode.OP_ITER_NEXT:
			it := peek(0)
			state := it.Obj.InternalPtr.(*arrayIterState)
			if state.idx >= len(state.arr.Elems) {
				push(value.Undef)
			} else {
				push(state.arr.Elems[state.idx])
				state.idx++
			}

		// --- Exceptions/blocks ---
		case bytecode.OP_THROW:
			thrown := v.wrapThrowable(pop())
			uw = block.Throw(thrown)
		case bytecode.OP_GET_THROWN:
			row := chunk.Catches[inst.Operands[0]]
			push(row.StashedThrown())
		case bytecode.OP_RETHROW_IF_ERR:
			val := peek(0)
			if val.IsObject() && val.Obj != nil && errorsx.IsA(val.Obj, v.Errors.Root) {
				uw = block.Throw(pop())
			}
		case bytecode.OP_INDEX_GET:
			idx := pop()
			recv := pop()
			push(v.indexGet(recv, idx))
		case bytecode.OP_INDEX_SET:
			val := pop()
			idx := pop()
			recv := pop()
			v.indexSet(recv, idx, val)
			push(val)
		case bytecode.OP_BLOCK_BREAK:
			uw = block.Break()
		case bytecode.OP_BLOCK_CONTINUE:
			uw = block.Continue(pop())
		case bytecode.OP_BLOCK_RETURN:
			uw = block.Return(pop())

		default:
			uw = block.Throw(v.errorValue(v.Errors.Root, fmt.Sprintf("unimplemented opcode %s", inst.Opcode)))
		}

		if uw != nil {
			switch v.handleUnwind(th, fr, chunk, startIP, uw, blockSupplied) {
			case outcomeCaught:
				continue
			case outcomeCollapse:
				return uw.Value, nil
			default:
				return value.Nil, uw
			}
		}

		fr.IP = next
	}
	return value.Nil, nil
}

type unwindOutcome int

const (
	outcomePropagate unwindOutcome = iota
	outcomeCaught
	outcomeCollapse
)

// handleUnwind implements the per-frame catch-table search plus the
// block-return collapsing rule. The catch table is searched for every
// unwind reason, not only a thrown exception, so an `ensure` row runs
// whether the frame exits normally, exceptionally, or via a block's
// non-local break/continue/return; a matched `ensure` row
// stashes uw on the frame as PendingUnwind so it resumes propagating once
// the handler body reaches PendingEnsureEnd. blockSupplied is true when the
// CALL/INVOKE instruction at ip is the one that attached the block that
// produced this specific ReturnBlock unwind — only then does "return from
// the method that contains the block" collapse in this frame.
func (v *VM) handleUnwind(th *thread.Thread, fr *thread.Frame, chunk *value.Chunk, ip int, uw *block.Unwind, blockSupplied bool) unwindOutcome {
	ec := th.EC()

	if row, ok := v.matchCatch(chunk, ip, uw.Value); ok {
		if uw.Reason == block.UserThrow {
			row.Stash(uw.Value)
		}
		closeUpvaluesFrom(th, fr.BasePtr+fr.NumLocals)
		ec.Stack = ec.Stack[:fr.BasePtr+fr.NumLocals]
		fr.IP = row.Target
		if row.IsEnsure {
			fr.PendingUnwind = uw
			fr.PendingEnsureEnd = row.HandlerEnd
			fr.PendingBlockSupplied = blockSupplied
		}
		return outcomeCaught
	}

	if uw.Reason == block.ReturnBlock && blockSupplied {
		closeUpvaluesFrom(th, fr.BasePtr)
		ec.Stack = ec.Stack[:fr.BasePtr]
		return outcomeCollapse
	}

	return outcomePropagate
}

// resolveCallInfo looks up the CallInfo constant a CALL/INVOKE's
// callinfo_idx operand addresses
func resolveCallInfo(chunk *value.Chunk, idx byte) *value.CallInfo {
	c := chunk.Constants[idx]
	if c.IsObject() && c.Obj != nil && c.Obj.Kind == value.KindCallInfo {
		return c.Obj.CI
	}
	return nil
}

// popCallBlock pops and returns the trailing block value a call site
// pushed (a call pushes callable, then positional args, then the block
// argument topmost), if ci says one is present. This is the block THIS
// call attached, never a frame's own inherited block argument.
func popCallBlock(pop func() value.Value, ci *value.CallInfo) *value.Object {
	if ci == nil || !ci.HasBlock {
		return nil
	}
	blk := pop()
	if blk.IsObject() {
		return blk.Obj
	}
	return nil
}

func popN(ec *thread.ExecContext, n int) []value.Value {
	if n == 0 {
		return nil
	}
	out := make([]value.Value, n)
	copy(out, ec.Stack[len(ec.Stack)-n:])
	ec.Stack = ec.Stack[:len(ec.Stack)-n]
	return out
}

func constString(chunk *value.Chunk, idx byte) string {
	c := chunk.Constants[idx]
	if c.IsObject() && c.Obj != nil {
		return c.Obj.Str
	}
	return c.String()
}

func arrayElemOrNil(v value.Value, i int) value.Value {
	if v.IsObject() && v.Obj != nil && v.Obj.Kind == value.KindArray && i >= 0 && i < len(v.Obj.Elems) {
		return v.Obj.Elems[i]
	}
	return value.Nil
}

