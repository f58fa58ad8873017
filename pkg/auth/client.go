package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/sip"
)

var challengeRe = regexp.MustCompile(`([\w-]+)=("([^"]*)"|([^\s,]+))`)

// Authorization is a Digest challenge/credentials pair; only MD5 is supported.
type Authorization struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
	cnonce    string
	nc        uint32
	username  string
	password  string
	uri       string
	response  string
	method    string
	other     map[string]string
}

// AuthFromValue parses the value of a WWW-Authenticate or
// Proxy-Authenticate header.
func AuthFromValue(value string) *Authorization {
	auth := &Authorization{
		algorithm: "MD5",
		other:     make(map[string]string),
	}

	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "digest ") {
		value = value[7:]
	}

	for _, match := range challengeRe.FindAllStringSubmatch(value, -1) {
		v := match[4]
		if strings.HasPrefix(match[2], `"`) {
			v = match[3]
		}
		switch strings.ToLower(match[1]) {
		case "realm":
			auth.realm = v
		case "algorithm":
			auth.algorithm = v
		case "nonce":
			auth.nonce = v
		case "opaque":
			auth.opaque = v
		case "qop":
			auth.qop = selectQop(v)
		default:
			auth.other[match[1]] = v
		}
	}

	return auth
}

// selectQop picks "auth" out of a qop-options list; auth-int is not supported.
func selectQop(options string) string {
	for _, o := range strings.Split(options, ",") {
		if strings.TrimSpace(o) == "auth" {
			return "auth"
		}
	}
	return ""
}

func (auth *Authorization) Realm() string { return auth.realm }
func (auth *Authorization) Nonce() string { return auth.nonce }
func (auth *Authorization) Qop() string   { return auth.qop }

func (auth *Authorization) SetUsername(username string) *Authorization {
	auth.username = username

	return auth
}

func (auth *Authorization) SetUri(uri string) *Authorization {
	auth.uri = uri

	return auth
}

func (auth *Authorization) SetMethod(method string) *Authorization {
	auth.method = method

	return auth
}

func (auth *Authorization) SetPassword(password string) *Authorization {
	auth.password = password

	return auth
}

// SetCnonce sets the client nonce and nonce count used with qop=auth.
func (auth *Authorization) SetCnonce(cnonce string, nc uint32) *Authorization {
	auth.cnonce = cnonce
	auth.nc = nc

	return auth
}

func (auth *Authorization) CalcResponse() *Authorization {
	if auth.qop != "" && auth.cnonce == "" {
		auth.cnonce = randHex(8)
	}
	if auth.qop != "" && auth.nc == 0 {
		auth.nc = 1
	}
	auth.response = calcResponse(auth)

	return auth
}

func (auth *Authorization) String() string {
	var b strings.Builder
	fmt.Fprintf(&b,
		`Digest username="%s",realm="%s",nonce="%s",uri="%s",response="%s",algorithm=%s`,
		auth.username,
		auth.realm,
		auth.nonce,
		auth.uri,
		auth.response,
		auth.algorithm,
	)
	if auth.opaque != "" {
		fmt.Fprintf(&b, `,opaque="%s"`, auth.opaque)
	}
	if auth.qop != "" {
		fmt.Fprintf(&b, `,qop=%s,nc=%08x,cnonce="%s"`, auth.qop, auth.nc, auth.cnonce)
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// calculates Authorization response https://www.ietf.org/rfc/rfc2617.txt
func calcResponse(auth *Authorization) string {
	ha1 := md5Hex(auth.username + ":" + auth.realm + ":" + auth.password)
	ha2 := md5Hex(auth.method + ":" + auth.uri)

	if auth.qop == "" {
		return md5Hex(ha1 + ":" + auth.nonce + ":" + ha2)
	}
	return md5Hex(fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, auth.nonce, auth.nc, auth.cnonce, auth.qop, ha2))
}

func headerContents(h sip.Header) string {
	if g, ok := h.(*sip.GenericHeader); ok {
		return g.Contents
	}
	s := h.String()
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// AuthorizeRequest adds the credentials answering the challenge in response
// to request and bumps its CSeq and Via branch so it can be sent again.
func AuthorizeRequest(request sip.Request, response sip.Response, user, password sip.MaybeString) error {
	return authorizeRequest(request, response, user, password, "", 0)
}

func authorizeRequest(request sip.Request, response sip.Response, user, password sip.MaybeString, cnonce string, nc uint32) error {
	if user == nil {
		return fmt.Errorf("authorize request: user is nil")
	}

	var authenticateHeaderName, authorizeHeaderName string
	if response.StatusCode() == 401 {
		// on 401 Unauthorized increase request seq num, add Authorization header and send once again
		authenticateHeaderName = "WWW-Authenticate"
		authorizeHeaderName = "Authorization"
	} else {
		// 407 Proxy authentication
		authenticateHeaderName = "Proxy-Authenticate"
		authorizeHeaderName = "Proxy-Authorization"
	}

	hdrs := response.GetHeaders(authenticateHeaderName)
	if len(hdrs) == 0 {
		return fmt.Errorf("authorize request: header '%s' not found in response", authenticateHeaderName)
	}

	auth := AuthFromValue(headerContents(hdrs[0])).
		SetMethod(string(request.Method())).
		SetUri(request.Recipient().String()).
		SetUsername(user.String()).
		SetCnonce(cnonce, nc)
	if password != nil {
		auth.SetPassword(password.String())
	}
	auth.CalcResponse()

	request.RemoveHeader(authorizeHeaderName)
	request.AppendHeader(&sip.GenericHeader{
		HeaderName: authorizeHeaderName,
		Contents:   auth.String(),
	})

	if viaHop, ok := request.ViaHop(); ok {
		viaHop.Params.Add("branch", sip.String{Str: sip.GenerateBranch()})
	}

	if cseq, ok := request.CSeq(); ok {
		cseq.SeqNo++
	}

	return nil
}

// Authorizer answers 401/407 challenges.
type Authorizer interface {
	AuthorizeRequest(request sip.Request, response sip.Response) error
}

// ClientAuthorizer holds the credentials of one account. The nonce count
// is kept per nonce so repeated challenges with the same nonce stay valid.
type ClientAuthorizer struct {
	user     sip.MaybeString
	password sip.MaybeString

	mu     sync.Mutex
	nonce  string
	nc     uint32
	cnonce string
}

func NewClientAuthorizer(u string, p string) *ClientAuthorizer {
	auth := &ClientAuthorizer{
		user:     sip.String{Str: u},
		password: sip.String{Str: p},
	}
	return auth
}

func (auth *ClientAuthorizer) AuthorizeRequest(request sip.Request, response sip.Response) error {
	nonce := ""
	for _, name := range []string{"WWW-Authenticate", "Proxy-Authenticate"} {
		if hdrs := response.GetHeaders(name); len(hdrs) > 0 {
			nonce = AuthFromValue(headerContents(hdrs[0])).Nonce()
			break
		}
	}

	auth.mu.Lock()
	if nonce != auth.nonce || auth.cnonce == "" {
		auth.nonce = nonce
		auth.nc = 0
		auth.cnonce = randHex(8)
	}
	auth.nc++
	cnonce, nc := auth.cnonce, auth.nc
	auth.mu.Unlock()

	return authorizeRequest(request, response, auth.user, auth.password, cnonce, nc)
}
