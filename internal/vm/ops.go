package vm

import (
	"fmt"

	"loxcore/internal/block"
	"loxcore/internal/bytecode"
	"loxcore/internal/class"
	"loxcore/internal/thread"
	"loxcore/internal/value"
)

// arith implements OP_ADD..OP_SHOVEL_R. OP_ADD doubles as string
// concatenation when the left operand is a string; everything else
// requires both operands to be numbers.
func (v *VM) arith(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	if op == bytecode.OP_ADD && a.IsObject() && a.Obj != nil && a.Obj.Kind == value.KindString {
		bs := b.String()
		if b.IsObject() && b.Obj != nil && b.Obj.Kind == value.KindString {
			bs = b.Obj.Str
		}
		return value.FromObject(v.Heap.AllocString(a.Obj.Str + bs)), nil
	}
	if !a.IsNumber() || !b.IsNumber() {
		return value.Nil, fmt.Errorf("operands must be numbers")
	}
	switch op {
	case bytecode.OP_ADD:
		return value.Number(a.Num + b.Num), nil
	case bytecode.OP_SUBTRACT:
		return value.Number(a.Num - b.Num), nil
	case bytecode.OP_MULTIPLY:
		return value.Number(a.Num * b.Num), nil
	case bytecode.OP_DIVIDE:
		if b.Num == 0 {
			return value.Nil, fmt.Errorf("division by zero")
		}
		return value.Number(a.Num / b.Num), nil
	case bytecode.OP_MODULO:
		if b.Num == 0 {
			return value.Nil, fmt.Errorf("division by zero")
		}
		ai, bi := int64(a.Num), int64(b.Num)
		return value.Number(float64(ai % bi)), nil
	case bytecode.OP_BITOR:
		return value.Number(float64(int64(a.Num) | int64(b.Num))), nil
	case bytecode.OP_BITAND:
		return value.Number(float64(int64(a.Num) & int64(b.Num))), nil
	case bytecode.OP_BITXOR:
		return value.Number(float64(int64(a.Num) ^ int64(b.Num))), nil
	case bytecode.OP_SHOVEL_L:
		return value.Number(float64(int64(a.Num) << uint(int64(b.Num)))), nil
	case bytecode.OP_SHOVEL_R:
		return value.Number(float64(int64(a.Num) >> uint(int64(b.Num)))), nil
	}
	return value.Nil, fmt.Errorf("unsupported arithmetic opcode %s", op)
}

// compare implements OP_LESS..OP_GREATER_EQUAL. Numbers compare
// numerically; strings compare lexicographically; anything else is a type
// error.
func (v *VM) compare(op bytecode.Opcode, a, b value.Value) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		switch op {
		case bytecode.OP_LESS:
			return a.Num < b.Num, nil
		case bytecode.OP_GREATER:
			return a.Num > b.Num, nil
		case bytecode.OP_LESS_EQUAL:
			return a.Num <= b.Num, nil
		case bytecode.OP_GREATER_EQUAL:
			return a.Num >= b.Num, nil
		}
	}
	if a.IsObject() && b.IsObject() && a.Obj != nil && b.Obj != nil &&
		a.Obj.Kind == value.KindString && b.Obj.Kind == value.KindString {
		switch op {
		case bytecode.OP_LESS:
			return a.Obj.Str < b.Obj.Str, nil
		case bytecode.OP_GREATER:
			return a.Obj.Str > b.Obj.Str, nil
		case bytecode.OP_LESS_EQUAL:
			return a.Obj.Str <= b.Obj.Str, nil
		case bytecode.OP_GREATER_EQUAL:
			return a.Obj.Str >= b.Obj.Str, nil
		}
	}
	return false, fmt.Errorf("comparison requires two numbers or two strings")
}

// valuesEqual implements OP_EQUAL/OP_NOT_EQUAL: a user-defined `==`
// method wins over the built-in identity/string-bytes equality of
// value.Equal.
func (v *VM) valuesEqual(th *thread.Thread, a, b value.Value) (bool, *block.Unwind) {
	if a.IsObject() && a.Obj != nil && a.Obj.Class != nil {
		if _, _, ok := class.ResolveMethod(class.LookupClass(a.Obj), "=="); ok {
			res, uw := v.Invoke(th, a, "==", []value.Value{b}, nil)
			if uw != nil {
				return false, uw
			}
			return res.Truthy(), nil
		}
	}
	return value.Equal(a, b), nil
}

func (v *VM) dupArray(src *value.Object) *value.Object {
	o := v.Heap.AllocArray(src.Elems)
	o.ArrShared = true
	o.ArrSource = src
	return o
}

func (v *VM) dupMap(src *value.Object) *value.Object {
	dst := v.Heap.AllocMap()
	src.MapData.Each(func(k, val value.Value) { dst.MapData.Set(k, val) })
	return dst
}

// makeClosure builds a Closure object for fn, capturing each upvalue
// described by fn.Upvalues either from a live slot of the enclosing frame
// or by copying the enclosing closure's own upvalue reference. The raw
// descriptor bytes in the instruction stream are redundant with
// fn.Upvalues; bytecode.Decode skips them.
func (v *VM) makeClosure(th *thread.Thread, enclosing *thread.Frame, fn *value.FunctionTemplate) *value.Object {
	ups := make([]*value.Object, len(fn.Upvalues))
	for i, desc := range fn.Upvalues {
		if desc.IsLocal {
			ups[i] = v.captureUpvalue(th, enclosing.BasePtr+int(desc.Index))
		} else {
			ups[i] = enclosing.Closure.Upvals[desc.Index]
		}
	}
	return v.Heap.AllocClosure(fn, ups, fn.Kind == value.FnBlock)
}

// defineClassLike implements CLASS/MODULE/SUBCLASS. Reopening an existing
// top-level class/module returns the same object; class bodies may
// reopen.
func (v *VM) defineClassLike(th *thread.Thread, name string, isModule bool, super *value.Object) value.Value {
	if existing, ok := v.LookupClass(name); ok {
		return value.FromObject(existing)
	}
	o := v.Heap.AllocClass(name, isModule)
	if !isModule {
		if super != nil {
			o.Class.Superclass = super
		} else if v.RootObject != nil && o != v.RootObject {
			o.Class.Superclass = v.RootObject
		}
	}
	if len(th.CrefStack) > 0 {
		o.Class.Under = th.CrefStack[len(th.CrefStack)-1]
	}
	v.RegisterClass(o)
	return value.FromObject(o)
}

// propGet implements PROP_GET: an explicit field wins, then a defined
// getter method.
func (v *VM) propGet(th *thread.Thread, recv value.Value, name string) (value.Value, *block.Unwind) {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil, block.Throw(v.errorValue(v.Errors.TypeError, "not an object"))
	}
	o := recv.Obj
	o.Lock()
	if o.Fields != nil {
		if val, ok := o.Fields[name]; ok {
			o.Unlock()
			return val, nil
		}
	}
	o.Unlock()
	if o.Class != nil {
		if getter, ok := class.ResolveGetter(class.LookupClass(o), name); ok {
			return v.Call(th, value.FromObject(getter), recv, nil, nil)
		}
	}
	return value.Nil, nil
}

// propSet implements PROP_SET: a defined setter wins over a raw field
// write, and frozen instances reject mutation outright.
func (v *VM) propSet(th *thread.Thread, recv value.Value, name string, val value.Value) *block.Unwind {
	if !recv.IsObject() || recv.Obj == nil {
		return block.Throw(v.errorValue(v.Errors.TypeError, "not an object"))
	}
	o := recv.Obj
	if class.CheckFrozen(o) {
		return block.Throw(v.errorValue(v.Errors.Root, "can't modify frozen object"))
	}
	if o.Class != nil {
		if setter, ok := class.ResolveSetter(class.LookupClass(o), name); ok {
			_, uw := v.Call(th, value.FromObject(setter), recv, []value.Value{val}, nil)
			return uw
		}
	}
	o.Lock()
	if o.Fields == nil {
		o.Fields = make(map[string]value.Value)
	}
	o.Fields[name] = val
	o.Unlock()
	if val.IsObject() {
		v.Heap.WriteBarrier(o, val.Obj)
	}
	return nil
}

// indexGet/indexSet implement INDEX_GET/INDEX_SET for Array and Map
// receivers. Out-of-range array reads return nil silently; see DESIGN.md
// for why this is kept.
func (v *VM) indexGet(recv, idx value.Value) value.Value {
	if !recv.IsObject() || recv.Obj == nil {
		return value.Nil
	}
	switch recv.Obj.Kind {
	case value.KindArray:
		i := int(idx.Num)
		if i < 0 {
			i += len(recv.Obj.Elems)
		}
		if i < 0 || i >= len(recv.Obj.Elems) {
			return value.Nil
		}
		return recv.Obj.Elems[i]
	case value.KindMap:
		val, _ := recv.Obj.MapData.Get(idx)
		return val
	}
	return value.Nil
}

func (v *VM) indexSet(recv, idx, val value.Value) {
	if !recv.IsObject() || recv.Obj == nil {
		return
	}
	switch recv.Obj.Kind {
	case value.KindArray:
		class.Dedupe(recv.Obj)
		i := int(idx.Num)
		if i < 0 {
			i += len(recv.Obj.Elems)
		}
		if i < 0 {
			return
		}
		for i >= len(recv.Obj.Elems) {
			recv.Obj.Elems = append(recv.Obj.Elems, value.Nil)
		}
		recv.Obj.Elems[i] = val
	case value.KindMap:
		recv.Obj.MapData.Set(idx, val)
	}
	if val.IsObject() {
		v.Heap.WriteBarrier(recv.Obj, val.Obj)
	}
}

// resolveConst implements GET_CONST's lookup order: the cref
// stack innermost-out, then each cref's own superclass chain, then the
// VM-wide constant table (top-level `const` statements), then the
// top-level class/module registry (a class's own name resolves as a
// constant reference to itself).
func (v *VM) resolveConst(th *thread.Thread, name string) (value.Value, bool) {
	for i := len(th.CrefStack) - 1; i >= 0; i-- {
		if val, ok := class.ResolveConstant(th.CrefStack[i], name); ok {
			return val, true
		}
	}
	v.constantsMu.RLock()
	val, ok := v.constants[name]
	v.constantsMu.RUnlock()
	if ok {
		return val, true
	}
	if o, ok := v.LookupClass(name); ok {
		return value.FromObject(o), true
	}
	return value.Nil, false
}
