// Package vm implements the bytecode interpreter: the instruction set's
// execution semantics, call frames, upvalue capture and closing, method
// dispatch through internal/class, exception unwinding via catch tables,
// and block non-local control flow via internal/block.
package vm

import (
	"sync"

	"loxcore/internal/bytecode"
	"loxcore/internal/class"
	"loxcore/internal/config"
	"loxcore/internal/errorsx"
	"loxcore/internal/heap"
	"loxcore/internal/thread"
	"loxcore/internal/value"
	"loxcore/internal/vmlog"
)

// VM owns every piece of VM-wide mutable state: one owned value threaded
// through operations, with per-thread state borrowed from it by the
// current-thread handle.
type VM struct {
	Heap     *heap.Heap
	Threads  *thread.Registry
	Errors   *errorsx.Hierarchy
	Config   config.Config
	Log      *vmlog.Logger

	RootObject  *value.Object // the `Object` class, superclass chain root
	ArrayClass  *value.Object
	StringClass *value.Object
	GCClass     *value.Object

	globalsMu sync.RWMutex
	globals   map[string]value.Value

	// constants is the VM-wide constant table consulted after the cref
	// stack walk fails.
	constantsMu sync.RWMutex
	constants   map[string]value.Value

	classesMu sync.RWMutex
	classes   map[string]*value.Object // top-level class/module registry, for GC roots + GET_CONST fallback

	loadedScripts []string

	maxCallDepth int

	// blockNatives holds native methods that need the caller's block
	// argument (each/map/select/...), keyed by the method's own Object
	// identity since value.NativeFunc has no parameter for it; see
	// block_natives.go.
	blockNativesMu sync.RWMutex
	blockNatives   map[*value.Object]blockNativeFn

	// sigHandlers is the user-registered signal handler list, enumerated
	// as a GC root; a drained signal with no handler raises a SystemError
	// at the safe point instead (see signals.go).
	sigHandlersMu sync.RWMutex
	sigHandlers   map[int]value.Value
}

func New(cfg config.Config) *VM {
	h := heap.New(cfg.HeapConfig())
	logger := vmlog.New()
	h.SetLogSink(func(event string, fields map[string]any) {
		if event == "gc_cycle" {
			major, _ := fields["major"].(bool)
			live, _ := fields["live"].(int64)
			logger.GCCycle(major, live, 0)
		}
	})

	vmInst := &VM{
		Heap:         h,
		Threads:      thread.NewRegistry(),
		Config:       cfg,
		Log:          logger,
		globals:      make(map[string]value.Value),
		constants:    make(map[string]value.Value),
		classes:      make(map[string]*value.Object),
		maxCallDepth: cfg.Limits.MaxCallDepth,
		blockNatives: make(map[*value.Object]blockNativeFn),
		sigHandlers:  make(map[int]value.Value),
	}
	vmInst.bootstrapClasses()
	vmInst.Errors = errorsx.Install(h)
	for _, c := range []*value.Object{
		vmInst.Errors.Root, vmInst.Errors.ArgumentError, vmInst.Errors.TypeError,
		vmInst.Errors.NameError, vmInst.Errors.SyntaxError, vmInst.Errors.SystemError,
		vmInst.Errors.LoadError, vmInst.Errors.RegexError, vmInst.Errors.RecursionError,
	} {
		vmInst.RegisterClass(c)
	}
	vmInst.bootstrapBuiltins()
	return vmInst
}

// bootstrapClasses creates the root `Object` class whose superclass is
// null.
func (v *VM) bootstrapClasses() {
	root := v.Heap.AllocClass("Object", false)
	v.RootObject = root
	class.SetRoot(root)
	v.RegisterClass(root)
}

// RegisterClass adds a top-level class/module to the VM-wide registry
// consulted by GET_CONST's fallback and enumerated as a GC root.
func (v *VM) RegisterClass(o *value.Object) {
	v.classesMu.Lock()
	defer v.classesMu.Unlock()
	v.classes[o.Class.Name] = o
}

func (v *VM) LookupClass(name string) (*value.Object, bool) {
	v.classesMu.RLock()
	defer v.classesMu.RUnlock()
	o, ok := v.classes[name]
	return o, ok
}

func (v *VM) DefineGlobal(name string, val value.Value) {
	v.globalsMu.Lock()
	defer v.globalsMu.Unlock()
	v.globals[name] = val
}

func (v *VM) GetGlobal(name string) (value.Value, bool) {
	v.globalsMu.RLock()
	defer v.globalsMu.RUnlock()
	val, ok := v.globals[name]
	return val, ok
}

// GlobalNames lists every defined global name, for introspection (the
// `debug` CLI console's `globals` command).
func (v *VM) GlobalNames() []string {
	v.globalsMu.RLock()
	defer v.globalsMu.RUnlock()
	names := make([]string, 0, len(v.globals))
	for name := range v.globals {
		names = append(names, name)
	}
	return names
}

// RecordLoadedScript appends path to the loaded-scripts list. Entries are
// plain names, not heap objects, so enumeration is for introspection
// rather than marking.
func (v *VM) RecordLoadedScript(path string) {
	v.loadedScripts = append(v.loadedScripts, path)
}

func (v *VM) LoadedScripts() []string { return v.loadedScripts }

func (v *VM) SetGlobal(name string, val value.Value) bool {
	v.globalsMu.Lock()
	defer v.globalsMu.Unlock()
	if _, ok := v.globals[name]; !ok {
		return false
	}
	v.globals[name] = val
	return true
}

// GCRoots implements heap.RootProvider: thread stacks, call frames, open
// upvalues, globals/constants, class tables, the signal handler list,
// block-stack accumulators, the interned-string table (owned by Heap
// itself), loaded-scripts list (referenced only by name, not objects),
// and each thread's pinned objects and current exception.
func (v *VM) GCRoots() []*value.Object {
	var out []*value.Object
	for _, t := range v.Threads.All() {
		for _, ec := range t.ECs {
			for _, val := range ec.Stack {
				if val.Kind == value.KindObject && val.Obj != nil {
					out = append(out, val.Obj)
				}
			}
			for _, f := range ec.Frames {
				if f.Closure != nil {
					out = append(out, f.Closure)
				}
				if f.This.Kind == value.KindObject && f.This.Obj != nil {
					out = append(out, f.This.Obj)
				}
				if f.BlockArg != nil {
					out = append(out, f.BlockArg)
				}
			}
		}
		out = append(out, t.OpenUpvalues...)
		out = append(out, t.StackObjs...)
		out = append(out, t.ErrorInfo...)
		if t.LastError.Kind == value.KindObject && t.LastError.Obj != nil {
			out = append(out, t.LastError.Obj)
		}
	}

	v.globalsMu.RLock()
	for _, val := range v.globals {
		if val.Kind == value.KindObject && val.Obj != nil {
			out = append(out, val.Obj)
		}
	}
	v.globalsMu.RUnlock()

	v.constantsMu.RLock()
	for _, val := range v.constants {
		if val.Kind == value.KindObject && val.Obj != nil {
			out = append(out, val.Obj)
		}
	}
	v.constantsMu.RUnlock()

	v.classesMu.RLock()
	for _, c := range v.classes {
		out = append(out, c)
	}
	v.classesMu.RUnlock()

	v.sigHandlersMu.RLock()
	for _, h := range v.sigHandlers {
		if h.Kind == value.KindObject && h.Obj != nil {
			out = append(out, h.Obj)
		}
	}
	v.sigHandlersMu.RUnlock()

	// Values held only by an in-progress native iteration (a map/select
	// result under construction, a reduce accumulator) live on the block
	// stack, nowhere else.
	for _, t := range v.Threads.All() {
		for _, e := range t.Blocks.Entries() {
			for _, val := range e.Accum {
				if val.Kind == value.KindObject && val.Obj != nil {
					out = append(out, val.Obj)
				}
			}
			if e.Acc1.Kind == value.KindObject && e.Acc1.Obj != nil {
				out = append(out, e.Acc1.Obj)
			}
		}
	}

	return out
}

// Collect runs a GC cycle; exposed for `GC.collect` (native) and the CLI's
// `gc-stats` subcommand.
func (v *VM) Collect(major bool) {
	v.Heap.Collect(v, major)
}

// Disassemble forwards to internal/bytecode's disassembler. The CLI's
// `disasm` subcommand calls bytecode.Disassemble directly.
func Disassemble(chunk *value.Chunk, name string) string {
	return bytecode.Disassemble(chunk, name)
}
