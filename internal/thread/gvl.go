package thread

import (
	"sync"
)

// GVL is the Global VM Lock: only its holder may execute bytecode,
// allocate, mutate classes/modules, or touch another thread's stack.
// Modeled as a plain mutex rather than a custom scheduler — Go's runtime
// already provides fair-enough FIFO-ish wakeup for a sync.Mutex, and
// ordering among waiters is deliberately unspecified.
type GVL struct {
	mu sync.Mutex

	mu2      sync.Mutex
	holder   *Thread
	waiters  int
}

func NewGVL() *GVL { return &GVL{} }

// Acquire blocks until the calling thread holds the GVL.
func (g *GVL) Acquire(t *Thread) {
	g.mu2.Lock()
	g.waiters++
	g.mu2.Unlock()

	g.mu.Lock()

	g.mu2.Lock()
	g.waiters--
	g.holder = t
	g.mu2.Unlock()

	t.SetStatus(StatusRunning)
}

// Release must be called before any native call that can block (I/O,
// waitpid, select, accept, connect, system, sleep); it must be paired
// with a subsequent Acquire along every path, including exception
// unwind.
func (g *GVL) Release(t *Thread) {
	g.mu2.Lock()
	g.holder = nil
	g.mu2.Unlock()
	t.SetStatus(StatusStopped)
	g.mu.Unlock()
}

// Holder reports which thread currently holds the lock, nil if none
// (used only for diagnostics/debug console, never for scheduling
// decisions).
func (g *GVL) Holder() *Thread {
	g.mu2.Lock()
	defer g.mu2.Unlock()
	return g.holder
}

func (g *GVL) Waiters() int {
	g.mu2.Lock()
	defer g.mu2.Unlock()
	return g.waiters
}

// WithReleased runs fn with the GVL released, re-acquiring it (even on
// panic) before returning — the shape every blocking native method must
// follow: a release is always paired with a matching acquire along every
// path, including exception unwind.
func (g *GVL) WithReleased(t *Thread, fn func()) {
	g.Release(t)
	defer g.Acquire(t)
	fn()
}

// Mutex is the user-visible Mutex class's backing handle: a thin wrapper
// over a platform mutex that does NOT release the GVL on lock, so
// concurrency under contention is effectively serialized. Known
// trade-off; see DESIGN.md.
type Mutex struct {
	mu sync.Mutex
}

func NewMutex() *Mutex   { return &Mutex{} }
func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }
func (m *Mutex) TryLock() bool { return m.mu.TryLock() }
