package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	e1 := New("cause1")
	e2 := New("cause2").Wrap(e1)
	e := New("dummy").Wrap(e2)
	assert.True(t, Is(e, e1))
	assert.True(t, Is(e, e2))
	assert.EqualError(t, e, "dummy: cause2: cause1")
}

func TestErrorSentinel(t *testing.T) {
	sentinel := New("device failure")

	// wrapping must not mutate the sentinel
	wrapped := sentinel.Wrap(fmt.Errorf("broken pipe"))
	assert.True(t, Is(wrapped, sentinel))
	assert.NoError(t, sentinel.Unwrap())

	again := sentinel.WrapMessage("block %d", 42)
	assert.True(t, Is(again, sentinel))
	assert.EqualError(t, again, "device failure: block 42")
}

func TestErrorAs(t *testing.T) {
	var target *Error
	e := New("outer").Wrap(New("inner"))
	assert.True(t, As(e, &target))
	assert.Equal(t, "outer: inner", target.Error())
}
