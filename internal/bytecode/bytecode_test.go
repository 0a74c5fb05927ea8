package bytecode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loxcore/internal/value"
)

func TestWriterEmitAndPatchJump(t *testing.T) {
	w := NewWriter()
	jumpPos := w.Emit(1, OP_JUMP_IF_FALSE, 0)
	w.Emit(2, OP_POP)
	w.PatchJump(jumpPos)
	w.Emit(3, OP_NIL)

	chunk := w.Chunk()
	require.Len(t, chunk.Code, 4)
	assert.Equal(t, byte(1), chunk.Code[jumpPos+1], "jump offset lands on the instruction following POP")
}

func TestDecodeAdvancesByOperandWidth(t *testing.T) {
	w := NewWriter()
	w.Emit(1, OP_CONSTANT, 5)
	w.Emit(1, OP_RETURN)
	chunk := w.Chunk()

	inst, next := Decode(chunk, 0)
	assert.Equal(t, OP_CONSTANT, inst.Opcode)
	assert.Equal(t, []byte{5}, inst.Operands)
	assert.Equal(t, 2, next)

	inst2, next2 := Decode(chunk, next)
	assert.Equal(t, OP_RETURN, inst2.Opcode)
	assert.Empty(t, inst2.Operands)
	assert.Equal(t, 3, next2)
}

// TestDecodeClosureIncludesUpvalueDescriptors: CLOSURE's width covers the
// two descriptor bytes per upvalue, so decoding stays aligned with the
// instruction stream.
func TestDecodeClosureIncludesUpvalueDescriptors(t *testing.T) {
	fn := &value.FunctionTemplate{Name: "inner", Upvalues: []value.UpvalueDesc{
		{IsLocal: true, Index: 0},
		{IsLocal: false, Index: 1},
	}}
	w := NewWriter()
	fnIdx := w.AddConstant(value.FromObject(&value.Object{Kind: value.KindFunction, Fn: fn}))
	w.Emit(1, OP_CLOSURE, fnIdx, 1, 0, 0, 1)
	w.Emit(2, OP_RETURN)
	chunk := w.Chunk()

	inst, next := Decode(chunk, 0)
	assert.Equal(t, OP_CLOSURE, inst.Opcode)
	assert.Equal(t, []byte{fnIdx, 1, 0, 0, 1}, inst.Operands)
	assert.Equal(t, 6, next)

	inst2, _ := Decode(chunk, next)
	assert.Equal(t, OP_RETURN, inst2.Opcode)

	out := Disassemble(chunk, "closure-chunk")
	assert.Contains(t, out, "CLOSURE")
	assert.Contains(t, out, "RETURN")
}

func TestDisassembleProducesOneLinePerInstruction(t *testing.T) {
	w := NewWriter()
	w.Emit(1, OP_NIL)
	w.Emit(1, OP_RETURN)
	out := Disassemble(w.Chunk(), "test-chunk")
	assert.Contains(t, out, "test-chunk")
	assert.Contains(t, out, "NIL")
	assert.Contains(t, out, "RETURN")
}

// TestSerializeRoundTrip: deserializing a serialized chunk reproduces its
// code, lines, and constants.
func TestSerializeRoundTrip(t *testing.T) {
	w := NewWriter()
	strIdx := w.AddConstant(value.FromObject(&value.Object{Kind: value.KindString, Str: "hello"}))
	numIdx := w.AddConstant(value.Number(3.5))
	w.Emit(1, OP_CONSTANT, strIdx)
	w.Emit(2, OP_CONSTANT, numIdx)
	w.Emit(3, OP_RETURN)
	chunk := w.Chunk()

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, chunk))

	got, err := Deserialize(&buf)
	require.NoError(t, err)

	assert.Equal(t, chunk.Code, got.Code)
	assert.Equal(t, chunk.Lines, got.Lines)
	require.Len(t, got.Constants, 2)
	assert.Equal(t, "hello", got.Constants[0].Obj.Str)
	assert.Equal(t, 3.5, got.Constants[1].Num)
}

func TestSerializeRoundTripNestedFunctionConstant(t *testing.T) {
	inner := NewWriter()
	inner.Emit(1, OP_NIL)
	inner.Emit(1, OP_RETURN)

	outer := NewWriter()
	fnTemplate := &value.FunctionTemplate{Name: "inner", Arity: 2, Chunk: inner.Chunk()}
	outer.AddConstant(value.FromObject(&value.Object{Kind: value.KindFunction, Fn: fnTemplate}))
	outer.Emit(1, OP_RETURN)

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, outer.Chunk()))

	got, err := Deserialize(&buf)
	require.NoError(t, err)
	require.Len(t, got.Constants, 1)
	gotFn := got.Constants[0].Obj
	assert.Equal(t, value.KindFunction, gotFn.Kind)
	assert.Equal(t, "inner", gotFn.Fn.Name)
	assert.Equal(t, 2, gotFn.Fn.Arity)
	assert.Equal(t, inner.Chunk().Code, gotFn.Fn.Chunk.Code)
}

func TestSerializeRejectsNonSerializableConstant(t *testing.T) {
	w := NewWriter()
	w.AddConstant(value.FromObject(&value.Object{Kind: value.KindArray}))
	var buf bytes.Buffer
	err := Serialize(&buf, w.Chunk())
	assert.Error(t, err)
}

func TestOperandWidthKnownAndUnknownOpcodes(t *testing.T) {
	assert.Equal(t, 1, OperandWidth(OP_CONSTANT))
	assert.Equal(t, 2, OperandWidth(OP_STRING))
	assert.Equal(t, 0, OperandWidth(OP_RETURN))
}

func TestCatchRowResolvesClassOnceAndCaches(t *testing.T) {
	calls := 0
	row := &value.CatchRow{CatchClassName: "Error"}
	lookup := func(name string) *value.Object {
		calls++
		return &value.Object{Kind: value.KindClass, Class: &value.ClassInfo{Name: name}}
	}

	first := row.ResolveCatchClass(lookup)
	second := row.ResolveCatchClass(lookup)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls, "resolution is cached after the first successful lookup")
}

// TestCatchRowRetriesResolutionUntilClassExists: a failed lookup (class
// not yet defined when the row is first evaluated) is not cached; the row
// resolves once the class appears.
func TestCatchRowRetriesResolutionUntilClassExists(t *testing.T) {
	row := &value.CatchRow{CatchClassName: "Later"}
	assert.Nil(t, row.ResolveCatchClass(func(string) *value.Object { return nil }))

	cls := &value.Object{Kind: value.KindClass, Class: &value.ClassInfo{Name: "Later"}}
	assert.Same(t, cls, row.ResolveCatchClass(func(string) *value.Object { return cls }))
}
