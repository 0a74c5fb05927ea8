package thread

import (
	"runtime"
	"sync"
)

// Registry is the VM-wide thread table plus the single GVL every
// registered thread shares.
type Registry struct {
	gvl *GVL

	mu      sync.Mutex
	threads map[string]*Thread
	main    *Thread
	cur     *Thread // only meaningful while read/written under the GVL
}

func NewRegistry() *Registry {
	r := &Registry{gvl: NewGVL(), threads: make(map[string]*Thread)}
	main := New()
	r.main = main
	r.threads[main.ID.String()] = main
	r.cur = main
	r.gvl.Acquire(main)
	return r
}

func (r *Registry) GVL() *GVL { return r.gvl }
func (r *Registry) Main() *Thread { return r.main }

// Current returns the thread that currently holds the GVL; callers must
// already hold it.
func (r *Registry) Current() *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *Registry) setCurrent(t *Thread) {
	r.mu.Lock()
	r.cur = t
	r.mu.Unlock()
}

// All returns a snapshot of every live thread; the GC enumerates their
// stacks as roots.
func (r *Registry) All() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

// Spawn creates a child OS thread that acquires the GVL, installs itself
// as the registry's current thread, and invokes run. Returns the new
// Thread's handle immediately; the caller does not block on the child
// reaching its first instruction.
func (r *Registry) Spawn(run func(t *Thread)) *Thread {
	child := New()
	r.mu.Lock()
	r.threads[child.ID.String()] = child
	r.mu.Unlock()
	child.SetStatus(StatusReady)

	done := make(chan struct{})
	child.joinCh = done

	go func() {
		// Threads are OS threads: pin the goroutine so signal
		// masks and thread-local OS state behave like a pthread's would.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		r.gvl.Acquire(child)
		r.setCurrent(child)
		defer func() {
			child.SetStatus(StatusZombie)
			r.mu.Lock()
			delete(r.threads, child.ID.String())
			r.mu.Unlock()
			close(done)
			r.gvl.Release(child)
		}()
		run(child)
	}()
	return child
}

// Join releases the GVL, waits for the target OS thread to finish, then
// re-acquires.
func (r *Registry) Join(caller *Thread, target *Thread) {
	r.gvl.WithReleased(caller, func() {
		if target.joinCh != nil {
			<-target.joinCh
		}
	})
	r.setCurrent(caller)
}
