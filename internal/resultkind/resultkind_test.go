package resultkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Validation, KindOf(New(Validation, "bad input")))
}

func TestWrapPreservesCauseForErrorsIs(t *testing.T) {
	sentinel := errors.New("connection refused")
	wrapped := Wrap(Transient, sentinel, "dial provider")

	require.True(t, errors.Is(wrapped, sentinel))
	assert.Equal(t, Transient, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.Contains(t, wrapped.Error(), "dial provider")
}

func TestWrapNilCauseFallsBackToNew(t *testing.T) {
	err := Wrap(NotFound, nil, "tenant missing")
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, "tenant missing", err.Error())
}

func TestWrapfFormats(t *testing.T) {
	err := Wrapf(Conflict, errors.New("dup"), "grant %q already active", "premium")
	assert.Contains(t, err.Error(), `grant "premium" already active`)
	assert.Equal(t, Conflict, KindOf(err))
}

func TestIs(t *testing.T) {
	err := New(Auth, "bad signature")
	assert.True(t, Is(err, Auth))
	assert.False(t, Is(err, Validation))
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Permanent:  "permanent",
		Transient:  "transient",
		Validation: "validation",
		Auth:       "auth",
		NotFound:   "not_found",
		Conflict:   "conflict",
		Unknown:    "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
