package value

// NewOpenUpvalue creates an upvalue object pointing at a live stack
// slot: slot is the address of the Value inside the owning thread's
// contiguous value stack, and idx is that slot's stack index.
func NewOpenUpvalue(slot *Value, idx int) *Object {
	return &Object{Kind: KindUpvalue, UpvalSlot: slot, UpvalStackIdx: idx}
}

// IsClosed reports whether this upvalue has been closed (its slot copied
// out and the pointer redirected internally).
func (o *Object) IsClosed() bool { return o.Kind == KindUpvalue && o.UpvalSlot == nil }

// Close copies the current slot value into the upvalue's own cell and
// clears the stack pointer ("closing" on RETURN, scope
// pops, and exception unwind past the owning frame).
func (o *Object) Close() {
	if o.Kind != KindUpvalue || o.UpvalSlot == nil {
		return
	}
	o.UpvalClosed = *o.UpvalSlot
	o.UpvalSlot = nil
}

// Load reads the upvalue's current value, open or closed.
func (o *Object) Load() Value {
	if o.UpvalSlot != nil {
		return *o.UpvalSlot
	}
	return o.UpvalClosed
}

// Store writes through an upvalue, open or closed.
func (o *Object) Store(v Value) {
	if o.UpvalSlot != nil {
		*o.UpvalSlot = v
		return
	}
	o.UpvalClosed = v
}
