package ua

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshDelay(t *testing.T) {
	assert.Equal(t, 3590*time.Second, refreshDelay(3600))
	assert.Equal(t, 11*time.Second, refreshDelay(21))
	assert.Equal(t, 10*time.Second, refreshDelay(20))
	assert.Equal(t, 500*time.Millisecond, refreshDelay(1))
}

func TestRegisterFailEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stack.regResult = func(req *RegisterRequest) *Result {
		return &Result{StatusCode: 403, Reason: "Forbidden"}
	}

	ua, err := env.uag.Alloc("sip:alice@d.com")
	require.NoError(t, err)

	ev, ok := env.rec.find(EventRegisterFail)
	require.True(t, ok)
	assert.Equal(t, "403 Forbidden", ev.text)
	assert.Same(t, ua, ev.ua)
	assert.Equal(t, "ERR", ua.Regs()[0].Status())
	assert.Contains(t, ua.Regs()[0].Debug(), "403")
}

func TestRegisterTransportError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stack.regResult = func(req *RegisterRequest) *Result {
		return &Result{Err: errFake}
	}

	ua, err := env.uag.Alloc("sip:alice@d.com")
	require.NoError(t, err)

	ev, ok := env.rec.find(EventRegisterFail)
	require.True(t, ok)
	assert.Equal(t, errFake.Error(), ev.text)
	assert.False(t, ua.IsRegistered())
}

func TestRegisterPendingStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	ua, err := env.uag.Alloc("sip:alice@d.com")
	require.NoError(t, err)

	reg := ua.Regs()[0]
	assert.Equal(t, 0, reg.ID())
	assert.Equal(t, "zzz", reg.Status())
	assert.Equal(t, regRegistering, reg.State())
	assert.False(t, ua.IsRegistered())
}

func TestRegisterStaleResult(t *testing.T) {
	env := newTestEnv(t, nil)

	ua, err := env.uag.Alloc("sip:alice@d.com")
	require.NoError(t, err)
	require.Len(t, env.stack.pending, 1)
	stale := env.stack.pending[0]

	ua.Unregister()
	stale(&Result{StatusCode: 200, Reason: "OK", Expires: 3600})

	assert.False(t, ua.IsRegistered())
	assert.Equal(t, 0, env.rec.count(EventRegisterOK))
}

func TestRegisterRetry(t *testing.T) {
	saved := RegisterRetryInterval
	RegisterRetryInterval = 10 * time.Millisecond
	defer func() { RegisterRetryInterval = saved }()

	env := newTestEnv(t, nil)
	attempts := 0
	env.stack.regResult = func(req *RegisterRequest) *Result {
		attempts++
		if attempts == 1 {
			return &Result{StatusCode: 503, Reason: "Service Unavailable"}
		}
		return okResult(req)
	}

	ua, err := env.uag.Alloc("sip:alice@d.com")
	require.NoError(t, err)

	require.Eventually(t, ua.IsRegistered, time.Second, 5*time.Millisecond)
	assert.Len(t, env.stack.registerRequests(), 2)
	assert.Equal(t, 1, env.rec.count(EventRegisterFail))
	assert.Equal(t, 1, env.rec.count(EventRegisterOK))
}

func TestRegisterRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stack.regResult = func(req *RegisterRequest) *Result {
		return &Result{StatusCode: 200, Reason: "OK", Expires: 2}
	}

	ua, err := env.uag.Alloc("sip:alice@d.com;regint=2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.stack.registerRequests()) >= 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.True(t, ua.IsRegistered())
}

func TestRegisterCloseStopsTimers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stack.regResult = func(req *RegisterRequest) *Result {
		return &Result{StatusCode: 200, Reason: "OK", Expires: 1}
	}

	ua, err := env.uag.Alloc("sip:alice@d.com;regint=1")
	require.NoError(t, err)
	reg := ua.Regs()[0]

	env.uag.Destroy(ua)
	n := len(env.stack.registerRequests())
	time.Sleep(700 * time.Millisecond)
	assert.Len(t, env.stack.registerRequests(), n)
	assert.ErrorIs(t, reg.Register("sip:d.com", "", 1, ""), ErrClosed)
}
