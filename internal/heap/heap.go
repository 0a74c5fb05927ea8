// Package heap implements the object heap and generational mark-and-sweep
// GC: a nursery promoted into an old generation, a write barrier,
// finalizers, and no_gc/pinned objects.
//
// Go's own runtime already owns real memory; this package models
// generation, promotion, and sweep semantics on top of it so reachability
// and write-barrier behavior hold independent of host GC timing.
package heap

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"loxcore/internal/value"
)

// Config tunes the collector; internal/config wires it from loxcore.yaml.
type Config struct {
	NurseryLimit      int64 // bytes before a minor collection is requested
	PromotionAge      int   // minor collections survived before promotion
	MajorTriggerRatio float64
}

func DefaultConfig() Config {
	return Config{NurseryLimit: 1 << 20, PromotionAge: 3, MajorTriggerRatio: 2.0}
}

// RootProvider is implemented by internal/vm to enumerate every GC root:
// thread stacks, call frames, open upvalues, globals/constants, class
// tables, and per-thread pinned objects and current exception.
type RootProvider interface {
	GCRoots() []*value.Object
}

type genList struct {
	head *value.Object
	len  int
}

// Heap owns every managed object's generation membership and the interned
// string table.
type Heap struct {
	mu sync.Mutex

	cfg Config

	nextID uint64

	young genList
	old   genList

	survivors map[*value.Object]int // minor-GC survival count, keyed until promotion

	internMu sync.RWMutex
	intern   map[string]*value.Object

	allocatedBytes int64
	gcThreshold    int64
	minorCycles    int64
	majorCycles    int64
	liveObjects    int64

	pinned map[*value.Object]int // reference-counted pin set (native stackObjects)

	onLog func(event string, fields map[string]any)
}

func New(cfg Config) *Heap {
	return &Heap{
		cfg:         cfg,
		gcThreshold: cfg.NurseryLimit,
		survivors:   make(map[*value.Object]int),
		intern:      make(map[string]*value.Object),
		pinned:      make(map[*value.Object]int),
	}
}

// SetLogSink installs a callback used to report GC cycle stats; internal/vm
// wires this to vmlog's GCCycle record. The fields carry the cycle kind
// ("major") and the live object count ("live"), not a byte count.
func (h *Heap) SetLogSink(fn func(event string, fields map[string]any)) {
	h.onLog = fn
}

func (h *Heap) log(event string, fields map[string]any) {
	if h.onLog != nil {
		h.onLog(event, fields)
	}
}

func roughSize(o *value.Object) int64 {
	switch o.Kind {
	case value.KindString:
		return int64(48 + len(o.Str))
	case value.KindArray:
		return int64(48 + len(o.Elems)*16)
	case value.KindMap:
		n := 0
		if o.MapData != nil {
			n = o.MapData.Len()
		}
		return int64(48 + n*32)
	default:
		return 64
	}
}

// alloc links a freshly-constructed object into the nursery and returns it.
func (h *Heap) alloc(o *value.Object) *value.Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	o.ID = h.nextID
	o.Gen = value.GenYoungMin
	o.NextInGen = h.young.head
	h.young.head = o
	h.young.len++
	h.liveObjects++
	h.allocatedBytes += roughSize(o)
	return o
}

// AllocString creates a new (non-interned) String object.
func (h *Heap) AllocString(s string) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindString, Str: s})
}

// Intern returns the unique, frozen String object for s, creating and
// immediately promoting it to the old generation on first use so it never
// ping-pongs through minor collections.
func (h *Heap) Intern(s string) *value.Object {
	h.internMu.RLock()
	if o, ok := h.intern[s]; ok {
		h.internMu.RUnlock()
		return o
	}
	h.internMu.RUnlock()

	h.internMu.Lock()
	defer h.internMu.Unlock()
	if o, ok := h.intern[s]; ok {
		return o
	}
	o := &value.Object{Kind: value.KindString, Str: s, Interned: true, Flags: value.Flags{Frozen: true}}
	h.mu.Lock()
	h.nextID++
	o.ID = h.nextID
	o.Gen = value.GenOldMin
	o.NextInGen = h.old.head
	h.old.head = o
	h.old.len++
	h.liveObjects++
	h.allocatedBytes += roughSize(o)
	h.mu.Unlock()
	h.intern[s] = o
	return o
}

func (h *Heap) AllocArray(elems []value.Value) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindArray, Elems: elems})
}

func (h *Heap) AllocMap() *value.Object {
	return h.alloc(&value.Object{Kind: value.KindMap, MapData: value.NewOrderedMap()})
}

func (h *Heap) AllocInstance(class *value.Object) *value.Object {
	ci := class.Class
	o := &value.Object{
		Kind:   value.KindInstance,
		Class:  ci,
		Fields: make(map[string]value.Value),
		Flags:  value.NewInstanceLikeFlags(),
	}
	return h.alloc(o)
}

// AllocClass creates a Class or Module object (isModule disambiguates).
// Class/module objects go straight to the old generation: class metadata
// is effectively permanent, like interned strings.
func (h *Heap) AllocClass(name string, isModule bool) *value.Object {
	ci := value.NewClassInfo(name)
	ci.IsModule = isModule
	kind := value.KindClass
	if isModule {
		kind = value.KindModule
	}
	o := &value.Object{Kind: kind, Class: ci}
	ci.Self = o
	h.mu.Lock()
	h.nextID++
	o.ID = h.nextID
	o.Gen = value.GenOldMin
	o.NextInGen = h.old.head
	h.old.head = o
	h.old.len++
	h.liveObjects++
	h.allocatedBytes += roughSize(o)
	h.mu.Unlock()
	return o
}

func (h *Heap) AllocFunction(fn *value.FunctionTemplate) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindFunction, Fn: fn})
}

func (h *Heap) AllocClosure(fn *value.FunctionTemplate, upvals []*value.Object, isBlock bool) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindClosure, Fn: fn, Upvals: upvals, IsBlock: isBlock})
}

func (h *Heap) AllocUpvalue(slot *value.Value, idx int) *value.Object {
	return h.alloc(value.NewOpenUpvalue(slot, idx))
}

func (h *Heap) AllocBoundMethod(receiver, callable value.Value) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindBoundMethod, Receiver: receiver, Callable: callable})
}

func (h *Heap) AllocNative(name string, fn value.NativeFunc, owner *value.ClassInfo, static bool) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindNative, NativeName: name, NativeFn: fn, NativeOwner: owner, NativeIsStatic: static})
}

// AllocCallInfo creates the constant-pool record a CALL/INVOKE's
// callinfo_idx operand addresses.
func (h *Heap) AllocCallInfo(ci *value.CallInfo) *value.Object {
	return h.alloc(&value.Object{Kind: value.KindCallInfo, CI: ci})
}

func (h *Heap) AllocInternal(data interface{}, hasFinalizer bool) *value.Object {
	o := &value.Object{Kind: value.KindInternal, InternalPtr: data}
	o.Flags.HasFinalizer = hasFinalizer
	return h.alloc(o)
}

// MarkNoGC flags o as hidden: it is never visited by sweep.
func (h *Heap) MarkNoGC(o *value.Object) { o.Flags.NoGC = true }

// Pin keeps o alive across a minor collection while a native frame that
// allocated it is still executing; reference
// counted since a native call can pin the same object more than once.
func (h *Heap) Pin(o *value.Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinned[o]++
}

func (h *Heap) Unpin(o *value.Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := h.pinned[o]; n <= 1 {
		delete(h.pinned, o)
	} else {
		h.pinned[o] = n - 1
	}
}

// WriteBarrier must be invoked whenever parent comes to reference child.
// It promotes child to at least parent's generation so a minor collection
// never misses an old->young reference.
func (h *Heap) WriteBarrier(parent, child *value.Object) {
	if parent == nil || child == nil {
		return
	}
	if child.Gen < parent.Gen {
		h.promote(child, parent.Gen)
	}
}

func (h *Heap) promote(o *value.Object, toGen value.Generation) {
	if o.Gen >= toGen {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if o.Gen < value.GenOldMin && toGen >= value.GenOldMin {
		h.unlinkLocked(&h.young, o)
		o.Gen = toGen
		o.NextInGen = h.old.head
		h.old.head = o
		h.old.len++
	} else {
		o.Gen = toGen
	}
}

func (h *Heap) unlinkLocked(list *genList, target *value.Object) {
	if list.head == target {
		list.head = target.NextInGen
		list.len--
		return
	}
	prev := list.head
	for prev != nil && prev.NextInGen != target {
		prev = prev.NextInGen
	}
	if prev != nil {
		prev.NextInGen = target.NextInGen
		list.len--
	}
}

// Stats reports current heap occupancy, used by the `gc-stats` CLI command
// and periodic logging.
type Stats struct {
	LiveObjects   int64
	AllocatedHuman string
	YoungCount    int
	OldCount      int
	MinorCycles   int64
	MajorCycles   int64
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		LiveObjects:    h.liveObjects,
		AllocatedHuman: humanize.Bytes(uint64(h.allocatedBytes)),
		YoungCount:     h.young.len,
		OldCount:       h.old.len,
		MinorCycles:    atomic.LoadInt64(&h.minorCycles),
		MajorCycles:    atomic.LoadInt64(&h.majorCycles),
	}
}

// NeedsCollection reports whether accumulated allocation exceeds the
// current collection threshold. The threshold starts at the configured
// nursery limit and is rescaled after each cycle by Collect so a heap
// whose live set outgrows the nursery doesn't collect on every
// checkpoint.
func (h *Heap) NeedsCollection() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocatedBytes >= h.gcThreshold
}

// rescaleThreshold is called at the end of a cycle, after sweep has
// subtracted reclaimed bytes: the next trigger point is the surviving byte
// count scaled by MajorTriggerRatio, floored at the nursery limit.
func (h *Heap) rescaleThreshold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := int64(float64(h.allocatedBytes) * h.cfg.MajorTriggerRatio)
	if next < h.cfg.NurseryLimit {
		next = h.cfg.NurseryLimit
	}
	h.gcThreshold = next
}
