package call

import (
	"net"
	"strings"
	"testing"

	"github.com/pixelbender/go-sdp/sdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormats(t *testing.T) {
	f := formats([]string{"opus/48000/2", "PCMA/8000/1", "speex"}, defaultAudio)
	require.Len(t, f, 2)
	assert.Equal(t, "opus", f[0].Name)
	assert.Equal(t, "PCMA", f[1].Name)

	assert.Equal(t, defaultAudio, formats(nil, defaultAudio))
}

func TestOfferIPv6(t *testing.T) {
	m := newMedia(net.ParseIP("2001:db8::1"), 10000, nil, []string{"vp8"}, true)
	sess, err := sdp.Parse([]byte(m.Offer(false)))
	require.NoError(t, err)
	require.NotNil(t, sess.Connection)
	assert.Equal(t, "IP6", sess.Connection.Type)
	require.Len(t, sess.Media, 2)
	assert.Equal(t, "video", sess.Media[1].Type)
	assert.Equal(t, 10002, sess.Media[1].Port)
}

func TestAnswerModes(t *testing.T) {
	local := newMedia(net.ParseIP("10.0.0.1"), 10000, nil, nil, false)
	remote := newMedia(net.ParseIP("10.0.0.2"), 20000, []string{"pcma"}, nil, false)

	answer, remoteHold, err := local.Answer(remote.Offer(false), false)
	require.NoError(t, err)
	assert.False(t, remoteHold)
	assert.Equal(t, sdp.SendRecv, RemoteMode(answer))
	assert.Contains(t, answer, "RTP/AVP 8 101")
	assert.False(t, strings.Contains(answer, "PCMU"))

	answer, remoteHold, err = local.Answer(remote.Offer(true), false)
	require.NoError(t, err)
	assert.True(t, remoteHold)
	assert.Equal(t, sdp.RecvOnly, RemoteMode(answer))

	answer, _, err = local.Answer(remote.Offer(false), true)
	require.NoError(t, err)
	assert.Equal(t, sdp.SendOnly, RemoteMode(answer))
}

func TestAnswerDynamicPayload(t *testing.T) {
	local := newMedia(nil, 10000, []string{"opus"}, nil, false)
	offer := "v=0\r\no=- 1 1 IN IP4 10.0.0.2\r\ns=-\r\nc=IN IP4 10.0.0.2\r\nt=0 0\r\n" +
		"m=audio 20000 RTP/AVP 109\r\na=rtpmap:109 opus/48000/2\r\n"
	answer, _, err := local.Answer(offer, false)
	require.NoError(t, err)
	assert.Contains(t, answer, "RTP/AVP 109")
	assert.Contains(t, answer, "c=IN IP4 127.0.0.1")
}

func TestAnswerInvalid(t *testing.T) {
	local := newMedia(nil, 10000, nil, nil, false)
	_, _, err := local.Answer("not sdp", false)
	assert.Error(t, err)
	assert.Empty(t, RemoteMode("not sdp"))
}

func TestParseDTMF(t *testing.T) {
	for body, want := range map[string]rune{
		"Signal=1\r\nDuration=160": '1',
		"signal = #\r\n":           '#',
		"Signal=10\r\n":            '*',
		"Signal=11\r\n":            '#',
	} {
		key, ok := ParseDTMF(body)
		assert.True(t, ok, body)
		assert.Equal(t, want, key, body)
	}

	_, ok := ParseDTMF("Duration=160")
	assert.False(t, ok)
	_, ok = ParseDTMF("Signal=12")
	assert.False(t, ok)
}

func TestParseSipfrag(t *testing.T) {
	code, reason, ok := ParseSipfrag("SIP/2.0 180 Ringing\r\n")
	require.True(t, ok)
	assert.Equal(t, 180, code)
	assert.Equal(t, "Ringing", reason)

	code, _, ok = ParseSipfrag("SIP/2.0 200")
	assert.True(t, ok)
	assert.Equal(t, 200, code)

	_, _, ok = ParseSipfrag("garbage")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	assert.True(t, Provisional.IsInProgress())
	assert.False(t, Confirmed.IsInProgress())
	assert.True(t, WaitingForACK.IsEstablished())
	assert.True(t, Failure.IsEnded())
	assert.Equal(t, "Busy Here", Reason(486))
	assert.Equal(t, "Unknown", Reason(499))
}
