package errorsx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loxcore/internal/heap"
)

func TestInstallBuildsHierarchyRootedAtError(t *testing.T) {
	h := heap.New(heap.DefaultConfig())
	hi := Install(h)

	require.NotNil(t, hi.Root)
	assert.Nil(t, hi.Root.Class.Superclass)

	assert.Same(t, hi.Root, hi.ArgumentError.Class.Superclass)
	assert.Same(t, hi.Root, hi.TypeError.Class.Superclass)
	assert.Same(t, hi.Root, hi.NameError.Class.Superclass)
	assert.Same(t, hi.Root, hi.SyntaxError.Class.Superclass)
	assert.Same(t, hi.Root, hi.SystemError.Class.Superclass)
	assert.Same(t, hi.Root, hi.LoadError.Class.Superclass)
	assert.Same(t, hi.Root, hi.RegexError.Class.Superclass)
	assert.Same(t, hi.Root, hi.RecursionError.Class.Superclass)
}

func TestErrnoSubclassCreatedOnceAndCached(t *testing.T) {
	h := heap.New(heap.DefaultConfig())
	hi := Install(h)

	e1 := hi.Errno(h, "EACCES")
	e2 := hi.Errno(h, "EACCES")
	assert.Same(t, e1, e2)
	assert.Same(t, hi.SystemError, e1.Class.Superclass)
	assert.Equal(t, "EACCES", e1.Class.Constants["errno"].Obj.Str)
}

func TestNewBuildsInstanceWithMessageField(t *testing.T) {
	h := heap.New(heap.DefaultConfig())
	hi := Install(h)

	inst := New(h, hi.TypeError, "bad type")
	assert.Same(t, hi.TypeError, inst.Class.Self)
	assert.Equal(t, "bad type", inst.Fields["message"].Obj.Str)
}

func TestIsAWalksSuperclassChain(t *testing.T) {
	h := heap.New(heap.DefaultConfig())
	hi := Install(h)

	inst := h.AllocInstance(hi.ArgumentError)
	assert.True(t, IsA(inst, hi.ArgumentError))
	assert.True(t, IsA(inst, hi.Root))
	assert.False(t, IsA(inst, hi.TypeError))
}

func TestIsANilSafety(t *testing.T) {
	assert.False(t, IsA(nil, nil))
}

func TestVMErrorFormatsClassMessageAndFrames(t *testing.T) {
	err := &VMError{
		ClassName: "TypeError",
		Message:   "not a number",
		Frames: []FrameInfo{
			{FuncName: "add", File: "main.lox", Line: 3},
		},
	}
	s := err.Error()
	assert.Contains(t, s, "TypeError: not a number")
	assert.Contains(t, s, "main.lox:3:in `add'")
}

func TestFromInstanceExtractsClassNameAndMessage(t *testing.T) {
	h := heap.New(heap.DefaultConfig())
	hi := Install(h)
	inst := New(h, hi.NameError, "undefined name")

	ve := FromInstance(inst, nil)
	assert.Equal(t, "NameError", ve.ClassName)
	assert.Equal(t, "undefined name", ve.Message)
}

func TestFromInstanceNilInstanceDefaultsToGenericError(t *testing.T) {
	ve := FromInstance(nil, nil)
	assert.Equal(t, "Error", ve.ClassName)
	assert.Equal(t, "", ve.Message)
}
