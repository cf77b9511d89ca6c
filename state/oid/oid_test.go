package oid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/errors"
)

func TestParse(t *testing.T) {
	o, err := Parse("/profile//plugin")
	require.NoError(t, err)

	segs := o.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, Segment{Key: "profile"}, segs[0])
	assert.True(t, segs[1].Wildcard)
	assert.False(t, segs[1].Bound)
	assert.Equal(t, "plugin", segs[2].Key)
	assert.True(t, o.Unbound())
	assert.Equal(t, "/profile//plugin", o.String())
}

func TestParse_Empty(t *testing.T) {
	for _, path := range []string{"", "/", "//"} {
		_, err := Parse(path)
		assert.ErrorIs(t, err, errors.ErrInvalidOID, path)
	}
}

func TestBind(t *testing.T) {
	o := MustParse("/profile//plugin")

	bound, err := o.Bind("a1b2")
	require.NoError(t, err)
	assert.False(t, bound.Unbound())
	assert.Equal(t, "/profile/a1b2/plugin", bound.String())

	keys, err := bound.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"profile", "a1b2", "plugin"}, keys)

	// the original is untouched
	assert.True(t, o.Unbound())
}

func TestBind_Errors(t *testing.T) {
	o := MustParse("/profile//plugin")

	_, err := o.Bind("a", "b")
	assert.ErrorIs(t, err, errors.ErrInvalidOID)

	_, err = o.Bind("with/slash")
	assert.ErrorIs(t, err, errors.ErrInvalidOID)

	_, err = o.Keys()
	assert.ErrorIs(t, err, errors.ErrInvalidOID)
}

func TestChild(t *testing.T) {
	o := MustParse("/connection")
	child := o.Child("42")
	assert.Equal(t, "/connection/42", child.String())
	assert.Equal(t, 1, o.Len())
}
