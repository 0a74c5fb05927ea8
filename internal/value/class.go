package value

import "sync"

// ClassInfo backs both Class and Module objects; a flag on the owning
// Object disambiguates which. It carries the method/getter/setter/constant
// tables, the include-module chain, and singleton bookkeeping.
type ClassInfo struct {
	mu sync.RWMutex

	Name       string
	Under      *ClassInfo // enclosing class/module, for constant lookup
	Superclass *Object    // *Object of Kind KindClass or KindIClass; nil at Object root
	Included   []*Object  // ordered list of KindModule objects this class includes
	IsModule   bool

	// Self back-points to the *Object (Kind KindClass/KindModule/KindIClass)
	// this ClassInfo belongs to, set once by internal/heap.AllocClass. Lets
	// code holding only a *ClassInfo (e.g. a resolved superclass link while
	// walking the chain) recover the wrapper Object for identity checks and
	// singleton-class creation without a separate side table.
	Self *Object

	Methods   map[string]*Object // name -> KindFunction/KindNative
	Getters   map[string]*Object
	Setters   map[string]*Object
	Constants map[string]Value

	// SingletonOf points back to the specific instance/class/module this
	// class is the metaclass of, nil for an ordinary class.
	SingletonOf *Object

	// IncludedModule is set on an IClass link node to the Module it wraps;
	// an IClass's own tables stay empty.
	IncludedModule *Object
}

func NewClassInfo(name string) *ClassInfo {
	return &ClassInfo{
		Name:      name,
		Methods:   make(map[string]*Object),
		Getters:   make(map[string]*Object),
		Setters:   make(map[string]*Object),
		Constants: make(map[string]Value),
	}
}

func (ci *ClassInfo) AddMethod(name string, fn *Object) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.Methods[name] = fn
}

func (ci *ClassInfo) Method(name string) (*Object, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	fn, ok := ci.Methods[name]
	return fn, ok
}

// IncludeModule inserts an IClass link for mod between this class and its
// current superclass. Re-including the same module is idempotent.
func IncludeModule(cls *Object, mod *Object) {
	ci := cls.Class
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for _, m := range ci.Included {
		if m == mod {
			return
		}
	}
	ci.Included = append(ci.Included, mod)
	iclass := &Object{Kind: KindIClass, Class: &ClassInfo{
		Name:           mod.Class.Name,
		IncludedModule: mod,
	}}
	iclass.Class.Self = iclass
	iclass.Class.Superclass = ci.Superclass
	ci.Superclass = iclass
}

// FunctionTemplate is the compile-time shape of a Function object: the
// Chunk plus the metadata the compiler produced for it.
type FunctionTemplate struct {
	Name         string
	Arity        int
	NumDefaults  int
	KwargNames   []string
	HasRestArg   bool
	HasBlockArg  bool
	Chunk        *Chunk
	Upvalues     []UpvalueDesc
	Locals       []string
	EnclosingCls *ClassInfo
	Kind         FunctionKind
}

type FunctionKind byte

const (
	FnMethod FunctionKind = iota
	FnTop
	FnBlock
	FnClassMethod
)

// UpvalueDesc describes, per CLOSURE immediate, whether an
// upvalue captures a local slot of the enclosing frame or copies an
// upvalue already held by the enclosing closure.
type UpvalueDesc struct {
	IsLocal bool
	Index   uint8
}

// Chunk is the immutable bytecode + line map + constant pool + catch
// table. It lives in package value (rather than internal/bytecode)
// because its constant pool holds Values and a Function constant embeds
// another Chunk; internal/bytecode owns the Opcode set and the
// encoder/decoder that operate on a *Chunk, avoiding an import cycle.
type Chunk struct {
	Code      []byte
	Lines     []int32 // one entry per byte of Code
	Constants []Value
	Catches   []*CatchRow
}

// CallInfo is the constant-pool record carrying a call site's
// shape: positional argc, keyword arg names, whether a splat was used, and
// whether a block value (literal or `&blk` instance) was pushed last, on
// top of the stack. `CALL`/`INVOKE`'s callinfo_idx operand
// indexes a CallInfo constant; the interpreter pops the block before the
// positional args when HasBlock is set.
type CallInfo struct {
	Argc       int
	NumKwargs  int
	UsesSplat  bool
	KwargNames []string
	HasBlock   bool
}

// CatchRow is one catch-table entry. HandlerEnd is the byte offset just
// past an `ensure` row's handler body: once execution reaches it, the
// unwind that triggered the handler (stashed on the frame as
// PendingUnwind) resumes propagating, so the handler runs exactly once
// whether the protected region exits normally, exceptionally, or by a
// block non-local jump.
type CatchRow struct {
	From, To, Target int
	HandlerEnd       int
	IsEnsure         bool
	CatchClassName   string
	resolveMu        sync.Mutex
	resolvedClass    *Object

	// stashMu/stashed hold the exception GET_THROWN reads inside this row's
	// handler. Shared per-row rather than per-thread: a function recursing
	// into its own try/catch on multiple threads at once would race here,
	// a known limitation (see DESIGN.md).
	stashMu sync.Mutex
	stashed Value
}

// Stash records the exception value a THROW dispatch matched against this
// row, for a subsequent GET_THROWN in the handler body to retrieve.
func (c *CatchRow) Stash(v Value) {
	c.stashMu.Lock()
	c.stashed = v
	c.stashMu.Unlock()
}

// StashedThrown returns the value last recorded by Stash.
func (c *CatchRow) StashedThrown() Value {
	c.stashMu.Lock()
	defer c.stashMu.Unlock()
	return c.stashed
}

// ResolveCatchClass caches the class lookup for a catch-table row: the
// name stays a string for bytecode portability, and the resolved class
// pointer is remembered only once a lookup succeeds, so a row evaluated
// before its class exists retries on the next throw.
func (c *CatchRow) ResolveCatchClass(lookup func(name string) *Object) *Object {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	if c.resolvedClass == nil {
		c.resolvedClass = lookup(c.CatchClassName)
	}
	return c.resolvedClass
}
