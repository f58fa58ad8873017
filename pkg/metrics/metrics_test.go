package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyRegistry struct{}

func (emptyRegistry) List() []*ua.UserAgent { return nil }

func TestHandleEvent(t *testing.T) {
	c := New(emptyRegistry{})
	c.HandleEvent(nil, ua.EventRegisterOK, nil, "200 OK")
	c.HandleEvent(nil, ua.EventRegisterOK, nil, "200 OK")
	c.HandleEvent(nil, ua.EventCallClosed, nil, "")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("REGISTER_OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("CALL_CLOSED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.events.WithLabelValues("EXIT")))
	assert.Equal(t, 0, testutil.CollectAndCount(c.calls))
}

func TestGauges(t *testing.T) {
	c := New(emptyRegistry{})
	n, err := testutil.GatherAndCount(c.Gatherer(), "uag_user_agents", "uag_user_agents_registered", "uag_calls_active")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestHandler(t *testing.T) {
	c := New(emptyRegistry{})
	c.HandleEvent(nil, ua.EventShutdown, nil, "")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `uag_events_total{event="SHUTDOWN"} 1`)
	assert.Contains(t, string(body), "uag_user_agents 0")
}
