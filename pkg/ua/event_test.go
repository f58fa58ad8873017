package ua

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventNames(t *testing.T) {
	assert.Equal(t, "REGISTER_OK", EventRegisterOK.String())
	assert.Equal(t, "TRANSFER_FAILED", EventCallTransferFailed.String())
	assert.Equal(t, "CALL_DTMF_END", EventCallDTMFEnd.String())
	assert.Equal(t, "?", EventKind(99).String())

	kinds := EventKinds()
	assert.Len(t, kinds, 14)
	assert.Equal(t, EventRegistering, kinds[0])
	assert.Equal(t, EventCallDTMFEnd, kinds[len(kinds)-1])
}

func TestEventListOrder(t *testing.T) {
	var l eventList
	var got []string

	a := &recorder{}
	b := EventHandlerFunc(func(ua *UserAgent, ev EventKind, call Call, text string) { got = append(got, "b") })
	c := &recorder{}

	l.add(a)
	l.add(b)
	l.add(c)
	l.add(a)
	assert.Equal(t, 3, l.len())

	l.emit(nil, EventShutdown, nil, "")
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 1, a.count(EventShutdown))
	assert.Equal(t, 1, c.count(EventShutdown))
	// a was moved behind c
	assert.True(t, sameHandler(b, l.handlers[0]))
	assert.Same(t, c, l.handlers[1])
	assert.Same(t, a, l.handlers[2])

	l.remove(c)
	l.remove(c)
	assert.Equal(t, 2, l.len())

	l.clear()
	assert.Equal(t, 0, l.len())
}
