package heap

import (
	"loxcore/internal/value"
)

// Collect runs a collection cycle. Marking always follows everything
// reachable from roots. When major is false only the young generation is
// swept (minor collection); survivors that have endured cfg.PromotionAge
// minor cycles are promoted. When major is true both generations are
// swept.
func (h *Heap) Collect(roots RootProvider, major bool) {
	rootObjs := roots.GCRoots()

	marked := make(map[*value.Object]bool, 1024)
	var stack []*value.Object
	for _, r := range rootObjs {
		if r != nil {
			stack = append(stack, r)
		}
	}
	// Pinned objects are always reachable regardless of pointer graph.
	h.mu.Lock()
	for o := range h.pinned {
		stack = append(stack, o)
	}
	h.mu.Unlock()
	// The interned-string table is a root in its own right: an
	// interned string stays resolvable by byte-content for the life of the
	// heap even when nothing else references it.
	h.internMu.RLock()
	for _, o := range h.intern {
		stack = append(stack, o)
	}
	h.internMu.RUnlock()

	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if o == nil || marked[o] {
			continue
		}
		marked[o] = true
		o.Flags.Dark = true
		stack = append(stack, children(o)...)
	}

	finalize := h.sweepGeneration(&h.young, marked)
	if major {
		finalize = append(finalize, h.sweepGeneration(&h.old, marked)...)
	}

	h.mu.Lock()
	if major {
		h.majorCycles++
	} else {
		h.minorCycles++
	}
	h.mu.Unlock()

	// Finalizers run after sweep, outside the heap lock: a finalizer body
	// may allocate.
	for _, o := range finalize {
		runFinalizer(o)
	}

	h.rescaleThreshold()

	h.log("gc_cycle", map[string]any{
		"major": major,
		"live":  h.liveObjects,
	})

	for _, o := range marked2slice(marked) {
		o.Flags.Dark = false
	}
}

func marked2slice(m map[*value.Object]bool) []*value.Object {
	out := make([]*value.Object, 0, len(m))
	for o := range m {
		out = append(out, o)
	}
	return out
}

// children enumerates every Object directly reachable from o, implementing
// the GC's trace step for each heap kind.
func children(o *value.Object) []*value.Object {
	var out []*value.Object
	add := func(v value.Value) {
		if v.Kind == value.KindObject && v.Obj != nil {
			out = append(out, v.Obj)
		}
	}
	switch o.Kind {
	case value.KindArray:
		for _, v := range o.Elems {
			add(v)
		}
		if o.ArrSource != nil {
			out = append(out, o.ArrSource)
		}
	case value.KindMap:
		if o.MapData != nil {
			o.MapData.Each(func(k, v value.Value) { add(k); add(v) })
		}
	case value.KindInstance:
		for _, v := range o.Fields {
			add(v)
		}
		for _, v := range o.Hidden {
			add(v)
		}
		if o.Finalizer.Kind == value.KindObject {
			add(o.Finalizer)
		}
		if o.Class != nil {
			out = append(out, classChildren(o.Class)...)
		}
		if o.Singleton != nil {
			out = append(out, classChildren(o.Singleton)...)
		}
	case value.KindClass, value.KindModule, value.KindIClass:
		out = append(out, classChildren(o.Class)...)
	case value.KindFunction:
		out = append(out, chunkChildren(o.Fn)...)
	case value.KindClosure:
		for _, uv := range o.Upvals {
			out = append(out, uv)
		}
		out = append(out, chunkChildren(o.Fn)...)
	case value.KindUpvalue:
		if o.UpvalSlot != nil {
			add(*o.UpvalSlot)
		} else {
			add(o.UpvalClosed)
		}
	case value.KindBoundMethod:
		add(o.Receiver)
		add(o.Callable)
	}
	return out
}

// chunkChildren keeps a function's constant pool alive while any closure
// over it is reachable: nested Function constants, interned strings, and
// static literal arrays/maps all live in Chunk.Constants.
func chunkChildren(fn *value.FunctionTemplate) []*value.Object {
	if fn == nil || fn.Chunk == nil {
		return nil
	}
	var out []*value.Object
	for _, c := range fn.Chunk.Constants {
		if c.Kind == value.KindObject && c.Obj != nil {
			out = append(out, c.Obj)
		}
	}
	return out
}

func classChildren(ci *value.ClassInfo) []*value.Object {
	var out []*value.Object
	for _, fn := range ci.Methods {
		out = append(out, fn)
	}
	for _, fn := range ci.Getters {
		out = append(out, fn)
	}
	for _, fn := range ci.Setters {
		out = append(out, fn)
	}
	for _, v := range ci.Constants {
		if v.Kind == value.KindObject && v.Obj != nil {
			out = append(out, v.Obj)
		}
	}
	if ci.Superclass != nil {
		out = append(out, ci.Superclass)
	}
	for _, m := range ci.Included {
		out = append(out, m)
	}
	if ci.SingletonOf != nil {
		out = append(out, ci.SingletonOf)
	}
	if ci.IncludedModule != nil {
		out = append(out, ci.IncludedModule)
	}
	return out
}

// sweepGeneration walks one generation's intrusive list, unlinking and
// destroying anything not in marked (unless no_gc-immune), and advancing
// survivor ages for everything kept. Objects
// carrying a user finalizer are returned for the caller to finalize once
// the heap lock is dropped.
func (h *Heap) sweepGeneration(list *genList, marked map[*value.Object]bool) []*value.Object {
	h.mu.Lock()
	defer h.mu.Unlock()

	var head *value.Object
	var tail *value.Object
	newLen := 0
	var finalize []*value.Object

	for o := list.head; o != nil; {
		next := o.NextInGen
		if o.Flags.NoGC || marked[o] {
			if !o.Flags.NoGC {
				h.survivors[o]++
				if list == &h.young && h.survivors[o] >= h.cfg.PromotionAge {
					delete(h.survivors, o)
					o.Gen = value.GenOldMin
					o.NextInGen = h.old.head
					h.old.head = o
					h.old.len++
					o = next
					continue
				}
			}
			if head == nil {
				head = o
			} else {
				tail.NextInGen = o
			}
			tail = o
			newLen++
		} else {
			delete(h.survivors, o)
			h.liveObjects--
			h.allocatedBytes -= roughSize(o)
			if o.Flags.HasFinalizer {
				finalize = append(finalize, o)
			}
			destroy(o)
		}
		o = next
	}
	if tail != nil {
		tail.NextInGen = nil
	}
	list.head = head
	list.len = newLen
	return finalize
}

// destroy releases an unreachable object's payload. Go's runtime reclaims
// the actual memory once unreferenced; this clears payload references so
// the object can no longer be mistaken for live by a stale pointer held
// outside the traced graph (e.g. a dangling Hidden-field cycle).
func destroy(o *value.Object) {
	switch o.Kind {
	case value.KindArray:
		o.Elems = nil
	case value.KindMap:
		o.MapData = nil
	case value.KindInstance:
		o.Fields = nil
		o.Hidden = nil
	case value.KindInternal:
		o.InternalPtr = nil
	}
}

// runFinalizer invokes a user finalizer at sweep time. A finalizer may
// only observe, not resurrect, its object: it runs after the object is
// already unlinked from its generation and its payload cleared.
func runFinalizer(o *value.Object) {
	if o.Finalizer.Kind == value.KindObject && o.Finalizer.Obj != nil && o.Finalizer.Obj.NativeFn != nil {
		_, _ = o.Finalizer.Obj.NativeFn([]value.Value{value.FromObject(o)})
	}
}
