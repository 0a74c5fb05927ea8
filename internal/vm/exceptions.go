package vm

import (
	"loxcore/internal/errorsx"
	"loxcore/internal/value"
)

// matchCatch searches the chunk's catch table for a row covering ip that
// either matches thrown's class (is-a) or is an unconditional `ensure`
// row. Catch rows are searched in declaration order; the compiler is
// expected to emit innermost-first.
func (v *VM) matchCatch(chunk *value.Chunk, ip int, thrown value.Value) (*value.CatchRow, bool) {
	for _, row := range chunk.Catches {
		if ip < row.From || ip >= row.To {
			continue
		}
		if row.IsEnsure {
			return row, true
		}
		klass := row.ResolveCatchClass(func(name string) *value.Object {
			o, _ := v.LookupClass(name)
			return o
		})
		if klass == nil || !thrown.IsObject() || thrown.Obj == nil {
			continue
		}
		if errorsx.IsA(thrown.Obj, klass) {
			return row, true
		}
	}
	return nil, false
}

// wrapThrowable implements THROW's auto-wrap rule: a string
// value is wrapped in Error(msg); anything else must already be an
// instance-like throwable.
func (v *VM) wrapThrowable(val value.Value) value.Value {
	if val.IsObject() && val.Obj != nil && val.Obj.Kind == value.KindString {
		return v.errorValue(v.Errors.Root, val.Obj.Str)
	}
	return val
}
