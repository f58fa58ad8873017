package stack

import (
	"crypto/tls"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = utils.NewLogrusLogger(log.ErrorLevel, "stack_test", nil)

func newStack(t *testing.T) *SipStack {
	t.Helper()
	s := New(&Config{Extensions: []string{"gruu", "path"}}, logger)
	_, err := s.layersFor("127.0.0.1:5060")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(true) })
	return s
}

func TestTransportOf(t *testing.T) {
	assert.Equal(t, "UDP", TransportOf(&sip.SipUri{FHost: "d.com"}))
	assert.Equal(t, "TCP", TransportOf(&sip.SipUri{
		FHost:      "d.com",
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: "tcp"}),
	}))
	assert.Equal(t, "TLS", TransportOf(&sip.SipUri{FHost: "d.com", FIsEncrypted: true}))
}

func TestLocalAddr(t *testing.T) {
	s := New(nil, logger)
	host, port := s.LocalAddr("udp")
	assert.Empty(t, host)
	assert.EqualValues(t, 5060, port)

	s = newStack(t)
	host, port = s.LocalAddr("tls")
	assert.Equal(t, "127.0.0.1", host)
	assert.EqualValues(t, 5061, port)
	assert.Equal(t, "sip:bob@127.0.0.1:5060", s.ContactURI("bob", "UDP"))
	assert.Equal(t, "sip:bob@127.0.0.1:5060;transport=tcp", s.ContactURI("bob", "TCP"))
}

func TestNewRegisterRequest(t *testing.T) {
	s := newStack(t)

	req, err := s.NewRequest(&Dialog{
		Method:        sip.REGISTER,
		Target:        "sip:d.com",
		From:          "sip:alice@d.com",
		DisplayName:   "Alice",
		To:            "sip:alice@d.com",
		Cuser:         "alice-1",
		CallID:        "cid-1",
		CSeq:          7,
		Outbound:      "sip:proxy.d.com:5070",
		ContactParams: `;+sip.instance="<urn:uuid:1>"`,
	})
	require.NoError(t, err)

	assert.Equal(t, sip.REGISTER, req.Method())
	assert.Equal(t, "sip:d.com", req.Recipient().String())

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.EqualValues(t, 7, cseq.SeqNo)

	callID, ok := req.CallID()
	require.True(t, ok)
	assert.Equal(t, "cid-1", string(*callID))

	from, ok := req.From()
	require.True(t, ok)
	assert.True(t, from.Params.Has("tag"))
	assert.Equal(t, "Alice", from.DisplayName.String())

	assert.Equal(t, `<sip:alice-1@127.0.0.1:5060>;+sip.instance="<urn:uuid:1>"`, HeaderValue(req, "Contact"))
	assert.Equal(t, "<sip:proxy.d.com:5070;lr>", HeaderValue(req, "Route"))
	assert.Equal(t, "proxy.d.com:5070", req.Destination())

	via, ok := req.ViaHop()
	require.True(t, ok)
	assert.Equal(t, "UDP", via.Transport)
	assert.True(t, via.Params.Has("branch"))
}

func TestNewRequestErrors(t *testing.T) {
	s := newStack(t)
	_, err := s.NewRequest(&Dialog{Method: sip.OPTIONS, Target: "::bad::", From: "sip:a@d.com", To: "sip:a@d.com"})
	assert.Error(t, err)

	_, err = s.NewRequest(&Dialog{Method: sip.OPTIONS, Target: "sip:b@d.com", From: "sip:a@d.com", To: "sip:b@d.com", Outbound: "<sip:proxy"})
	assert.Error(t, err)
}

func registerResponse(t *testing.T, s *SipStack, code sip.StatusCode, hdrs ...sip.Header) sip.Response {
	t.Helper()
	req, err := s.NewRequest(&Dialog{
		Method: sip.REGISTER,
		Target: "sip:d.com",
		From:   "sip:alice@d.com",
		To:     "sip:alice@d.com",
		CSeq:   3,
	})
	require.NoError(t, err)
	res := sip.NewResponseFromRequest("", req, code, "OK", "")
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	return res
}

func TestRegisterResultContactExpires(t *testing.T) {
	s := newStack(t)
	expires := sip.Expires(3600)
	res := registerResponse(t, s, 200,
		&sip.ContactHeader{
			Address: &sip.SipUri{FUser: sip.String{Str: "other"}, FHost: "10.0.0.9"},
			Params:  sip.NewParams().Add("expires", sip.String{Str: "60"}),
		},
		&sip.ContactHeader{
			Address: &sip.SipUri{FUser: sip.String{Str: "alice-1"}, FHost: "127.0.0.1"},
			Params: sip.NewParams().
				Add("expires", sip.String{Str: "600"}).
				Add("pub-gruu", sip.String{Str: `"sip:alice@d.com;gr=urn:uuid:1"`}),
		},
		&expires,
		&sip.GenericHeader{HeaderName: "Server", Contents: "Kamailio"},
	)

	out := RegisterResult(res, nil, "alice-1")
	assert.Equal(t, 200, out.StatusCode)
	assert.EqualValues(t, 600, out.Expires)
	assert.Equal(t, "sip:alice@d.com;gr=urn:uuid:1", out.PubGruu)
	assert.Equal(t, "Kamailio", out.Server)
	assert.EqualValues(t, 3, out.CSeq)
	assert.NoError(t, out.Err)
}

func TestRegisterResultExpiresHeader(t *testing.T) {
	s := newStack(t)
	expires := sip.Expires(120)
	out := RegisterResult(registerResponse(t, s, 200, &expires), nil, "alice-1")
	assert.EqualValues(t, 120, out.Expires)
	assert.Empty(t, out.PubGruu)

	out = RegisterResult(registerResponse(t, s, 403, &expires), nil, "alice-1")
	assert.Equal(t, 403, out.StatusCode)
	assert.Zero(t, out.Expires)
}

func TestResponseResultError(t *testing.T) {
	out := ResponseResult(nil, assert.AnError)
	assert.Same(t, assert.AnError, out.Err)
	assert.Zero(t, out.StatusCode)

	out = ResponseResult(nil, nil)
	assert.Error(t, out.Err)
}

func TestAutoHeaders(t *testing.T) {
	s := newStack(t)
	s.OnRequest(sip.MESSAGE, func(sip.Request, ua.ServerTx) {})
	s.OnRequest(sip.INVITE, func(sip.Request, ua.ServerTx) {})

	req, err := s.NewRequest(&Dialog{Method: sip.OPTIONS, Target: "sip:b@d.com", From: "sip:a@d.com", To: "sip:b@d.com"})
	require.NoError(t, err)
	s.prepareRequest(req)

	allow := HeaderValue(req, "Allow")
	assert.Contains(t, allow, "MESSAGE")
	assert.Equal(t, 1, strings.Count(allow, "INVITE"))
	assert.Contains(t, HeaderValue(req, "Supported"), "gruu")
	assert.Contains(t, HeaderValue(req, "Supported"), "path")
	assert.Equal(t, DefaultUserAgent, HeaderValue(req, "User-Agent"))

	res := sip.NewResponseFromRequest("", req, 200, "OK", "")
	s.prepareResponse(res)
	assert.Equal(t, DefaultUserAgent, HeaderValue(res, "Server"))
	assert.Empty(t, res.GetHeaders("User-Agent"))
}

func TestCloseRunsExitHandlerOnce(t *testing.T) {
	s := newStack(t)
	exits := 0
	s.SetExitHandler(func() { exits++ })

	s.Close(true)
	s.Close(true)
	s.Close(false)
	assert.Equal(t, 1, exits)

	assert.ErrorIs(t, s.AddTransport("udp", "127.0.0.1:0", nil), ErrStopped)
	_, err := s.Request(sip.NewRequest("", sip.OPTIONS, &sip.SipUri{FHost: "d.com"}, "SIP/2.0", nil, "", nil))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRequestWithoutTransport(t *testing.T) {
	s := New(nil, logger)
	defer s.Close(true)
	_, err := s.Request(sip.NewRequest("", sip.OPTIONS, &sip.SipUri{FHost: "d.com"}, "SIP/2.0", nil, "", nil))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrStopped)
}

func TestWriteSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, WriteSelfSigned(certFile, keyFile, "uag.local"))

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestTLSOptions(t *testing.T) {
	s := New(nil, logger)
	opts, err := s.tlsOptions(&ua.TLSConfig{Cert: "/etc/uag/cert.pem"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/uag/cert.pem", opts.Cert)
	assert.Equal(t, "/etc/uag/cert.pem", opts.Key)

	opts, err = s.tlsOptions(nil)
	require.NoError(t, err)
	_, err = tls.LoadX509KeyPair(opts.Cert, opts.Key)
	assert.NoError(t, err)
}

func TestNewRequestRouteSet(t *testing.T) {
	s := newStack(t)
	req, err := s.NewRequest(&Dialog{
		Method:   sip.BYE,
		Target:   "sip:carol@10.0.0.9:5080",
		From:     "sip:alice@d.com",
		FromTag:  "a1",
		To:       "sip:carol@peer.com",
		ToTag:    "c1",
		CallID:   "cid-2",
		CSeq:     2,
		Outbound: "sip:ignored.d.com",
		Routes:   []string{"<sip:p1.d.com;lr>", "<sip:p2.d.com:5070;lr>"},
	})
	require.NoError(t, err)

	routes := req.GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.Equal(t, "<sip:p1.d.com;lr>", headerContents(routes[0]))
	assert.Equal(t, "p1.d.com:5060", req.Destination())

	to, ok := req.To()
	require.True(t, ok)
	tag, ok := to.Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, "c1", tag.String())
	assert.Empty(t, req.GetHeaders("Contact"))
}
