package vm

import (
	"golang.org/x/exp/slices"

	"loxcore/internal/thread"
	"loxcore/internal/value"
)

// captureUpvalue returns an open upvalue for stack slot idx in th's active
// execution context, reusing an existing one if the sorted-by-slot-address
// list already has it, or creating and inserting a new one
// in sorted order otherwise.
func (v *VM) captureUpvalue(th *thread.Thread, idx int) *value.Object {
	list := th.OpenUpvalues
	i, found := slices.BinarySearchFunc(list, idx, func(o *value.Object, target int) int {
		return o.UpvalStackIdx - target
	})
	if found {
		return list[i]
	}
	stack := th.EC().Stack
	uv := v.Heap.AllocUpvalue(&stack[idx], idx)
	list = slices.Insert(list, i, uv)
	th.OpenUpvalues = list
	return uv
}

// closeUpvaluesFrom closes every open upvalue addressing a slot >= from
// in th's active execution context. Closing occurs on RETURN, on scope
// pops with CLOSE_UPVALUE, and when unwinding exceptions past the owning
// frame; each closed upvalue's value is copied out and its pointer
// redirected internally before it is dropped from the open list.
func closeUpvaluesFrom(th *thread.Thread, from int) {
	list := th.OpenUpvalues
	i, _ := slices.BinarySearchFunc(list, from, func(o *value.Object, target int) int {
		return o.UpvalStackIdx - target
	})
	for _, uv := range list[i:] {
		uv.Close()
	}
	th.OpenUpvalues = list[:i]
}
