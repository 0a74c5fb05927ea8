package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loxcore/internal/value"
)

func TestThrowBuildsUserThrow(t *testing.T) {
	uw := Throw(value.Number(1))
	assert.Equal(t, UserThrow, uw.Reason)
	assert.Equal(t, float64(1), uw.Value.Num)
	assert.False(t, uw.IsBlockExit(), "a user throw is not an internal block exit")
}

func TestBreakContinueReturnAreBlockExits(t *testing.T) {
	assert.True(t, Break().IsBlockExit())
	assert.True(t, Continue(value.Number(2)).IsBlockExit())
	assert.True(t, Return(value.Number(3)).IsBlockExit())
	assert.Equal(t, value.Nil, Break().Value)
}

func TestNilUnwindErrorDoesNotPanic(t *testing.T) {
	var uw *Unwind
	assert.Equal(t, "<nil unwind>", uw.Error())
}

func TestReasonStrings(t *testing.T) {
	assert.Equal(t, "throw", UserThrow.String())
	assert.Equal(t, "break", BreakBlock.String())
	assert.Equal(t, "continue", ContinueBlock.String())
	assert.Equal(t, "return", ReturnBlock.String())
	assert.Equal(t, "none", None.String())
}

func TestStackPushPopTopOrderLIFO(t *testing.T) {
	var s Stack
	assert.Nil(t, s.Top())
	assert.Equal(t, 0, s.Depth())

	e1 := &Entry{FrameDepth: 1}
	e2 := &Entry{FrameDepth: 2}
	s.Push(e1)
	s.Push(e2)

	require.Equal(t, 2, s.Depth())
	assert.Same(t, e2, s.Top())

	popped := s.Pop()
	assert.Same(t, e2, popped)
	assert.Same(t, e1, s.Top())
	assert.Equal(t, 1, s.Depth())
}

func TestStackPopEmptyReturnsNil(t *testing.T) {
	var s Stack
	assert.Nil(t, s.Pop())
}
