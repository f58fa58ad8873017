package auth

import (
	"strings"
	"testing"

	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthFromValue(t *testing.T) {
	auth := AuthFromValue(`Digest realm="asterisk", nonce="1a2b3c", opaque="xyz", qop="auth,auth-int", algorithm=MD5`)
	assert.Equal(t, "asterisk", auth.Realm())
	assert.Equal(t, "1a2b3c", auth.Nonce())
	assert.Equal(t, "auth", auth.Qop())
	assert.Equal(t, "xyz", auth.opaque)

	auth = AuthFromValue(`Digest realm="x",nonce="n",qop="auth-int"`)
	assert.Empty(t, auth.Qop())
}

func TestCalcResponseRFC2617(t *testing.T) {
	auth := AuthFromValue(`Digest realm="testrealm@host.com", qop="auth,auth-int", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`).
		SetUsername("Mufasa").
		SetPassword("Circle Of Life").
		SetMethod("GET").
		SetUri("/dir/index.html").
		SetCnonce("0a4f113b", 1).
		CalcResponse()

	assert.Equal(t, "6629fae49393a05397450978507c4ef1", auth.response)
	s := auth.String()
	assert.Contains(t, s, `qop=auth,nc=00000001,cnonce="0a4f113b"`)
	assert.Contains(t, s, `opaque="5ccc069c403ebaf9f0171e9517f40e41"`)
}

func TestCalcResponseNoQop(t *testing.T) {
	auth := AuthFromValue(`Digest realm="r",nonce="n"`).
		SetUsername("u").
		SetPassword("p").
		SetMethod("REGISTER").
		SetUri("sip:d.com").
		CalcResponse()

	assert.Equal(t, md5Hex(md5Hex("u:r:p")+":n:"+md5Hex("REGISTER:sip:d.com")), auth.response)
	assert.NotContains(t, auth.String(), "qop")
}

func newRegister() sip.Request {
	callID := sip.CallID("abc")
	return sip.NewRequest("", sip.REGISTER,
		&sip.SipUri{FHost: "d.com"},
		"SIP/2.0",
		[]sip.Header{
			&callID,
			&sip.CSeq{SeqNo: 1, MethodName: sip.REGISTER},
			sip.ViaHeader{&sip.ViaHop{
				ProtocolName:    "SIP",
				ProtocolVersion: "2.0",
				Transport:       "UDP",
				Host:            "10.0.0.1",
				Params:          sip.NewParams().Add("branch", sip.String{Str: "z9hG4bK1"}),
			}},
		}, "", nil)
}

func challenge(req sip.Request, code sip.StatusCode, name string) sip.Response {
	res := sip.NewResponseFromRequest("", req, code, "Unauthorized", "")
	res.AppendHeader(&sip.GenericHeader{
		HeaderName: name,
		Contents:   `Digest realm="d.com", nonce="abc", qop="auth"`,
	})
	return res
}

func TestClientAuthorizer(t *testing.T) {
	req := newRegister()
	authorizer := NewClientAuthorizer("alice", "secret")

	require.NoError(t, authorizer.AuthorizeRequest(req, challenge(req, 401, "WWW-Authenticate")))
	hdrs := req.GetHeaders("Authorization")
	require.Len(t, hdrs, 1)
	assert.True(t, strings.HasPrefix(hdrs[0].(*sip.GenericHeader).Contents, `Digest username="alice",realm="d.com"`))
	assert.Contains(t, hdrs[0].(*sip.GenericHeader).Contents, "nc=00000001")

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.EqualValues(t, 2, cseq.SeqNo)

	// same nonce again bumps nc and replaces the header
	require.NoError(t, authorizer.AuthorizeRequest(req, challenge(req, 401, "WWW-Authenticate")))
	hdrs = req.GetHeaders("Authorization")
	require.Len(t, hdrs, 1)
	assert.Contains(t, hdrs[0].(*sip.GenericHeader).Contents, "nc=00000002")
}

func TestProxyAuthorization(t *testing.T) {
	req := newRegister()
	require.NoError(t, NewClientAuthorizer("alice", "secret").
		AuthorizeRequest(req, challenge(req, 407, "Proxy-Authenticate")))
	assert.Len(t, req.GetHeaders("Proxy-Authorization"), 1)
	assert.Empty(t, req.GetHeaders("Authorization"))
}

func TestAuthorizeMissingChallenge(t *testing.T) {
	req := newRegister()
	res := sip.NewResponseFromRequest("", req, 401, "Unauthorized", "")
	assert.Error(t, AuthorizeRequest(req, res, sip.String{Str: "alice"}, nil))
	assert.Error(t, AuthorizeRequest(req, res, nil, nil))
}
