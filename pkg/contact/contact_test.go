package contact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndBlock(t *testing.T) {
	cs := New()

	_, err := cs.Add(`"Spam" <sip:spam@evil.com>;access=block`)
	require.NoError(t, err)
	c, err := cs.Add(`"Alice" <sip:alice@d.com>`)
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Name)

	assert.True(t, cs.BlockAccess("sip:spam@evil.com"))
	assert.True(t, cs.BlockAccess("sip:SPAM@evil.com;transport=tcp"))
	assert.False(t, cs.BlockAccess("sip:alice@d.com"))
	assert.False(t, cs.BlockAccess("sip:nobody@d.com"))
	assert.False(t, cs.BlockAccess("not a uri"))

	list := cs.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Spam", list[0].Name)
}

func TestReplaceAndRemove(t *testing.T) {
	cs := New()
	_, err := cs.Add(`<sip:bob@d.com>;access=block`)
	require.NoError(t, err)
	c, err := cs.Add(`"Bob" <sip:bob@d.com>;access=allow`)
	require.NoError(t, err)

	assert.Len(t, cs.List(), 1)
	assert.False(t, cs.BlockAccess("sip:bob@d.com"))

	require.NoError(t, cs.Remove(&c.URI))
	assert.ErrorIs(t, cs.Remove(&c.URI), ErrNotFound)
	assert.Empty(t, cs.List())
}

func TestAddInvalid(t *testing.T) {
	cs := New()
	_, err := cs.Add("")
	assert.Error(t, err)
	_, err = cs.Add("<sip:x@y")
	assert.Error(t, err)
}
