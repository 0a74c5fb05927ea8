package thread

// SignalDispatcher routes an OS/user-raised signal number to the main
// thread's queue: signals are always delivered there, and a non-main
// thread that receives one is flagged so it hands control back at its
// next safe point. Installing the OS-level handler itself is the
// embedder's job; this models only the VM-side interaction.
type SignalDispatcher struct {
	reg *Registry
}

func NewSignalDispatcher(reg *Registry) *SignalDispatcher {
	return &SignalDispatcher{reg: reg}
}

// Deliver enqueues sig on the main thread and, if the currently-running
// thread is not the main thread, also flags it so the running thread can
// notice promptly and hand control back at its next safe point.
func (d *SignalDispatcher) Deliver(sig int) {
	d.reg.main.EnqueueSignal(sig)
	if cur := d.reg.Current(); cur != nil && cur != d.reg.main {
		cur.SetInterrupt()
	}
}
