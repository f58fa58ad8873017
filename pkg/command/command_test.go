package command

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterExec(t *testing.T) {
	cmds := New()
	var got string
	require.NoError(t, cmds.Register(Command{
		Name: "dial",
		Desc: "Dial a number",
		Handler: func(w io.Writer, args string) error {
			got = args
			_, err := fmt.Fprintf(w, "dialing %s", args)
			return err
		},
	}))

	var buf bytes.Buffer
	require.NoError(t, cmds.Exec(&buf, "  dial   sip:bob@d.com "))
	assert.Equal(t, "sip:bob@d.com", got)
	assert.Equal(t, "dialing sip:bob@d.com", buf.String())

	assert.ErrorIs(t, cmds.Exec(&buf, "hangup"), ErrNotFound)
}

func TestRegisterDuplicate(t *testing.T) {
	cmds := New()
	noop := func(io.Writer, string) error { return nil }
	require.NoError(t, cmds.Register(Command{Name: "quit", Handler: noop}))

	err := cmds.Register(Command{Name: "help", Handler: noop}, Command{Name: "quit", Handler: noop})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, found := cmds.Find("help")
	assert.False(t, found)

	cmds.Unregister("quit")
	assert.Empty(t, cmds.List())
}

func TestExecByKey(t *testing.T) {
	cmds := New()
	quit := 0
	require.NoError(t, cmds.Register(
		Command{Name: "quit", Key: 'q', Handler: func(io.Writer, string) error { quit++; return nil }},
		Command{Name: "x", Handler: func(io.Writer, string) error { return nil }},
	))

	require.NoError(t, cmds.Exec(io.Discard, "q"))
	assert.Equal(t, 1, quit)

	cmd, found := cmds.Find("q")
	require.True(t, found)
	assert.Equal(t, "quit", cmd.Name)

	// names win over keys, and keys only match single letters
	cmd, found = cmds.Find("x")
	require.True(t, found)
	assert.Equal(t, "x", cmd.Name)
	_, found = cmds.Find("qq")
	assert.False(t, found)

	err := cmds.Register(Command{Name: "query", Key: 'q', Handler: func(io.Writer, string) error { return nil }})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, found = cmds.Find("query")
	assert.False(t, found)
}
