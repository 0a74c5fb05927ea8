package vm

import (
	"fmt"

	"loxcore/internal/block"
	"loxcore/internal/thread"
	"loxcore/internal/value"
)

// TrapSignal registers handler as the callable invoked when sig is
// drained at a safe point; passing a non-object value clears the trap.
func (v *VM) TrapSignal(sig int, handler value.Value) {
	v.sigHandlersMu.Lock()
	defer v.sigHandlersMu.Unlock()
	if handler.Kind != value.KindObject || handler.Obj == nil {
		delete(v.sigHandlers, sig)
		return
	}
	v.sigHandlers[sig] = handler
}

func (v *VM) signalHandler(sig int) (value.Value, bool) {
	v.sigHandlersMu.RLock()
	defer v.sigHandlersMu.RUnlock()
	h, ok := v.sigHandlers[sig]
	return h, ok
}

// deliverSignals acts on the signal numbers a safe-point drain pulled off
// the thread's queue: a trapped signal invokes its registered handler with
// the signal number as its argument, an untrapped one raises a
// SystemError. The first unwind — a handler's own throw, or the raise —
// stops delivery; signals not yet acted on are re-enqueued so they are
// not lost.
func (v *VM) deliverSignals(th *thread.Thread, sigs []int) *block.Unwind {
	for i, sig := range sigs {
		handler, ok := v.signalHandler(sig)
		if !ok {
			requeueSignals(th, sigs[i+1:])
			return block.Throw(v.errorValue(v.Errors.SystemError, fmt.Sprintf("signal %d", sig)))
		}
		if _, uw := v.Call(th, handler, value.Nil, []value.Value{value.Number(float64(sig))}, nil); uw != nil {
			requeueSignals(th, sigs[i+1:])
			return uw
		}
		v.Log.SignalDelivered(sig)
	}
	return nil
}

func requeueSignals(th *thread.Thread, sigs []int) {
	for _, s := range sigs {
		th.EnqueueSignal(s)
	}
}
