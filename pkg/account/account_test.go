package account

import (
	"errors"
	"testing"

	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const full = `"Mr User" <sip:user:pass@domain.com>` +
	`;answermode=auto` +
	`;auth_user=xuser` +
	`;outbound="sip:edge.domain.com"` +
	`;ptime=10` +
	`;regint=600` +
	`;pubint=700` +
	`;sipnat=outbound` +
	`;stunuser=bob@bob.com` +
	`;stunpass=taj:aa` +
	`;stunserver="stun:stunserver.org"`

func TestParseFull(t *testing.T) {
	acc, err := Parse(full)
	require.NoError(t, err)

	assert.Equal(t, "Mr User", acc.DisplayName())
	assert.Equal(t, "user", acc.User())
	assert.Equal(t, "domain.com", acc.Host())
	assert.Equal(t, "pass", acc.AuthPass())
	assert.Empty(t, acc.URIParams())
	assert.NotEmpty(t, acc.Params())

	assert.Equal(t, AnswerAuto, acc.AnswerMode())
	assert.Equal(t, "xuser", acc.AuthUser())
	assert.Equal(t, "sip:edge.domain.com", acc.Outbound(0))
	assert.Empty(t, acc.Outbound(1))
	assert.Empty(t, acc.Outbound(333))
	assert.EqualValues(t, 10, acc.Ptime())
	assert.EqualValues(t, 600, acc.RegInterval())
	assert.EqualValues(t, 700, acc.PubInterval())
	assert.Equal(t, "outbound", acc.SIPNat())
	assert.Equal(t, "bob@bob.com", acc.StunUser())
	assert.Equal(t, "taj:aa", acc.StunPass())
	assert.Equal(t, "stunserver.org", acc.StunHost())
}

func TestParseDefaults(t *testing.T) {
	acc, err := Parse("<sip:alice@example.com;transport=tcp>")
	require.NoError(t, err)

	assert.Equal(t, AnswerManual, acc.AnswerMode())
	assert.Equal(t, "alice", acc.AuthUser())
	assert.EqualValues(t, DefaultRegInterval, acc.RegInterval())
	assert.EqualValues(t, DefaultPtime, acc.Ptime())
	assert.Equal(t, ";transport=tcp", acc.URIParams())
	assert.Equal(t, "sip:alice@example.com", acc.AOR())
	assert.Equal(t, network.IPv4, acc.AF())
	assert.Empty(t, acc.MediaNATTag())
}

func TestParseAORStripsCredentials(t *testing.T) {
	acc, err := Parse("sip:bob:secret@d.com:5070;regint=0")
	require.NoError(t, err)

	assert.Equal(t, "sip:bob@d.com:5070", acc.AOR())
	assert.EqualValues(t, 5070, acc.Port())
	assert.Zero(t, acc.RegInterval())
}

func TestParseMediaParams(t *testing.T) {
	acc, err := Parse(`<sip:u@d.com>;medianat=ice;mediaenc=srtp;regq=0.5;audio_codecs=opus,pcmu;outbound2=sip:b.d.com`)
	require.NoError(t, err)

	assert.Equal(t, "+sip.ice", acc.MediaNATTag())
	assert.Equal(t, "srtp", acc.MediaEnc())
	assert.Equal(t, "0.5", acc.RegQ())
	assert.Equal(t, []string{"opus", "pcmu"}, acc.AudioCodecs())
	assert.Equal(t, "sip:b.d.com", acc.Outbound(1))
	assert.True(t, acc.HasParam("medianat", "ICE"))
	assert.True(t, acc.HasParam("regq", ""))
	assert.False(t, acc.HasParam("sipnat", ""))
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"<sip:user@domain.com",
		"sip:@domain.com",
		"<sip:u@d.com>;answermode=sometimes",
		"<sip:u@d.com>;regint=abc",
	} {
		_, err := Parse(s)
		assert.True(t, errors.Is(err, ErrInvalidAccount), "input %q: %v", s, err)
	}
}
