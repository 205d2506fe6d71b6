package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{Transient("redis down"), KindTransient},
		{Conflict("session race"), KindConflict},
		{NotFound("no record"), KindNotFound},
		{Permission("denied"), KindPermission},
	}
	for _, c := range cases {
		assert.True(t, IsKind(c.err, c.kind), c.err.Error())
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFound("document absent").WithDetail("users/u1")

	wrapped := WrapMsg(base, "mirror read", "user", "u1")
	require.Error(t, wrapped)
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, KindNotFound, KindOf(wrapped))

	// 标准库包装同样可穿透
	double := fmt.Errorf("outer: %w", wrapped)
	assert.True(t, IsNotFound(double))
}

func TestWrapCauseUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("presence set failed").WrapCause(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestKindOfPlainErrorDefaultsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("dial timeout")))
}

func TestNewJoinsKeyValues(t *testing.T) {
	err := New("bad payload", "key", "status/u1", "len", 3)
	assert.Contains(t, err.Error(), "key=status/u1")
	assert.Contains(t, err.Error(), "len=3")
}

func TestWrapMsgNil(t *testing.T) {
	assert.NoError(t, WrapMsg(nil, "ignored"))
}
