// Package class implements method/getter/setter/constant resolution over
// the superclass chain (including included-module IClass links) and lazy
// singleton-class creation.
package class

import "loxcore/internal/value"

// Root is the top of every superclass chain: the Object class, the one
// class whose superclass is null.
var Root *value.Object

func SetRoot(o *value.Object) { Root = o }

// LookupClass returns the class to use for method dispatch on receiver:
// its singleton class if present, else its class.
func LookupClass(receiver *value.Object) *value.ClassInfo {
	if receiver.Singleton != nil {
		return receiver.Singleton
	}
	return receiver.Class
}

// ResolveMethod walks the superclass chain starting at start, inspecting
// each link's own Methods table (a plain Class) or the wrapped module's
// Methods table (an IClass), first match wins.
func ResolveMethod(start *value.ClassInfo, name string) (*value.Object, *value.ClassInfo, bool) {
	return resolveTable(start, name, func(ci *value.ClassInfo) map[string]*value.Object { return ci.Methods })
}

func ResolveGetter(start *value.ClassInfo, name string) (*value.Object, bool) {
	fn, _, ok := resolveTable(start, name, func(ci *value.ClassInfo) map[string]*value.Object { return ci.Getters })
	return fn, ok
}

func ResolveSetter(start *value.ClassInfo, name string) (*value.Object, bool) {
	fn, _, ok := resolveTable(start, name, func(ci *value.ClassInfo) map[string]*value.Object { return ci.Setters })
	return fn, ok
}

func resolveTable(start *value.ClassInfo, name string, table func(*value.ClassInfo) map[string]*value.Object) (*value.Object, *value.ClassInfo, bool) {
	ci := start
	for ci != nil {
		lookup := ci
		// An IClass link exposes its wrapped module's table, not its own
		// (which is empty) — IClass row.
		if ci.IncludedModule != nil {
			lookup = ci.IncludedModule.Class
		}
		if fn, ok := table(lookup)[name]; ok {
			return fn, ci, true
		}
		if ci.Superclass == nil {
			break
		}
		ci = ci.Superclass.Class
	}
	return nil, nil, false
}

// ResolveConstant walks ci's own superclass chain (GET_CONST semantics,
// scoped to a single class/module here; the cref-stack walk across
// lexical nesting is implemented in internal/vm, which calls
// ResolveConstant per enclosing link).
func ResolveConstant(ci *value.ClassInfo, name string) (value.Value, bool) {
	for ci != nil {
		if v, ok := ci.Constants[name]; ok {
			return v, true
		}
		if ci.Superclass != nil {
			ci = ci.Superclass.Class
		} else {
			ci = nil
		}
	}
	return value.Nil, false
}

// SingletonOf lazily creates and returns obj's singleton class.
// alloc constructs a fresh *value.Object of kind KindClass; it is supplied
// by the caller (internal/heap.AllocClass) to avoid an import cycle.
func SingletonOf(obj *value.Object, alloc func(name string, isModule bool) *value.Object) *value.ClassInfo {
	if obj.Singleton != nil {
		return obj.Singleton
	}
	name := "#<Class:" + obj.String() + ">"
	singleton := alloc(name, false)
	singleton.Class.SingletonOf = obj

	// The singleton's superclass is the singleton class of the original's
	// superclass, created on demand, so method lookup through singleton
	// chains stays consistent.
	switch {
	case obj.Kind == value.KindClass || obj.Kind == value.KindModule:
		if obj.Class.Superclass != nil && obj.Class.Superclass.Class != nil {
			parentSingleton := SingletonOf(obj.Class.Superclass, alloc)
			singleton.Class.Superclass = parentSingleton.Self
		} else if Root != nil {
			singleton.Class.Superclass = Root
		}
	default:
		if obj.Class != nil && obj.Class.Self != nil {
			singleton.Class.Superclass = obj.Class.Self
		}
	}
	obj.Singleton = singleton.Class
	return singleton.Class
}

// CheckFrozen returns a non-nil error-ready bool for a mutating operation
// attempted on a frozen object.
func CheckFrozen(o *value.Object) bool { return o.Flags.Frozen }

// Dedupe implements copy-on-write for a shared array: the first mutation
// after sharing copies the backing buffer.
func Dedupe(o *value.Object) {
	if !o.ArrShared {
		return
	}
	cp := make([]value.Value, len(o.Elems))
	copy(cp, o.Elems)
	o.Elems = cp
	o.ArrShared = false
	o.ArrSource = nil
}
