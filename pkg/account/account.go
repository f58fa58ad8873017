package account

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
)

// ErrInvalidAccount is returned by Parse for a malformed account string.
var ErrInvalidAccount = errors.New("invalid account")

const (
	// DefaultRegInterval is used when the account has no regint parameter.
	DefaultRegInterval = 3600
	DefaultPtime       = 20
	// MaxOutbound is the number of outbound proxy slots of an account.
	MaxOutbound = 2
)

// AnswerMode decides how an incoming call is handled.
type AnswerMode int

const (
	AnswerManual AnswerMode = iota
	AnswerEarly
	AnswerAuto
)

func (m AnswerMode) String() string {
	switch m {
	case AnswerEarly:
		return "early"
	case AnswerAuto:
		return "auto"
	}
	return "manual"
}

// Account is a parsed SIP identity:
//
//	"Display Name" <sip:user:password@domain;uri-params>;addr-params
//
// It is immutable once parsed.
type Account struct {
	raw        string
	dispname   string
	uri        sip.SipUri
	uriParams  string
	params     sip.Params
	answermode AnswerMode
	authUser   string
	authPass   string
	mnatID     string
	mencID     string
	outbound   [MaxOutbound]string
	regint     uint32
	pubint     uint32
	regq       string
	sipnat     string
	rtpkeep    string
	ptime      uint32
	stunUser   string
	stunPass   string
	stunHost   string
	stunPort   uint16
	audio      []string
	video      []string
}

// Parse decodes an account string.
func Parse(s string) (*Account, error) {
	dispname, rawURI, rawParams, err := utils.SplitAddress(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	uri, err := parser.ParseSipUri(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAccount, rawURI, err)
	}
	if uri.User() == nil || uri.User().String() == "" || uri.Host() == "" {
		return nil, fmt.Errorf("%w: %q: user and host are required", ErrInvalidAccount, rawURI)
	}

	params, err := utils.ParseParams(rawParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	acc := &Account{
		raw:      s,
		dispname: dispname,
		uri:      uri,
		params:   params,
		regint:   DefaultRegInterval,
		ptime:    DefaultPtime,
	}
	if i := strings.IndexByte(rawURI, ';'); i >= 0 {
		acc.uriParams = rawURI[i:]
	}

	if err := acc.decodeParams(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return acc, nil
}

func (a *Account) decodeParams() error {
	switch strings.ToLower(a.param("answermode")) {
	case "", "manual":
		a.answermode = AnswerManual
	case "early":
		a.answermode = AnswerEarly
	case "auto":
		a.answermode = AnswerAuto
	default:
		return fmt.Errorf("unknown answermode %q", a.param("answermode"))
	}

	a.authUser = a.param("auth_user")
	if a.authUser == "" && a.uri.User() != nil {
		a.authUser = a.uri.User().String()
	}
	a.authPass = a.param("auth_pass")
	if a.authPass == "" && a.uri.FPassword != nil {
		a.authPass = a.uri.FPassword.String()
	}

	a.mnatID = a.param("medianat")
	a.mencID = a.param("mediaenc")
	a.outbound[0] = a.param("outbound")
	a.outbound[1] = a.param("outbound2")
	a.regq = a.param("regq")
	a.sipnat = a.param("sipnat")
	a.rtpkeep = a.param("rtpkeep")

	var err error
	if a.params.Has("regint") {
		if a.regint, err = a.uintParam("regint"); err != nil {
			return err
		}
	}
	if a.pubint, err = a.uintParam("pubint"); err != nil {
		return err
	}
	if a.params.Has("ptime") {
		if a.ptime, err = a.uintParam("ptime"); err != nil {
			return err
		}
	}

	a.stunUser = a.param("stunuser")
	a.stunPass = a.param("stunpass")
	if stun := a.param("stunserver"); stun != "" {
		if err := a.decodeStunServer(stun); err != nil {
			return err
		}
	}

	a.audio = splitList(a.param("audio_codecs"))
	a.video = splitList(a.param("video_codecs"))
	return nil
}

// decodeStunServer accepts stun:[user:pass@]host[:port] (and turn:).
func (a *Account) decodeStunServer(s string) error {
	_, rest, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("invalid stunserver %q", s)
	}
	if cred, hostport, found := strings.Cut(rest, "@"); found {
		user, pass, _ := strings.Cut(cred, ":")
		if a.stunUser == "" {
			a.stunUser = user
		}
		if a.stunPass == "" {
			a.stunPass = pass
		}
		rest = hostport
	}
	host, port, err := utils.SplitHostPort(rest)
	if err != nil {
		return fmt.Errorf("invalid stunserver %q: %w", s, err)
	}
	a.stunHost, a.stunPort = host, port
	return nil
}

func (a *Account) param(name string) string {
	return utils.ParamValue(a.params, name)
}

func (a *Account) uintParam(name string) (uint32, error) {
	v := a.param(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return uint32(n), nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (a *Account) DisplayName() string { return a.dispname }

// URI returns a copy of the local account URI, credentials included.
func (a *Account) URI() sip.SipUri {
	return *a.uri.Clone().(*sip.SipUri)
}

func (a *Account) User() string {
	if a.uri.User() == nil {
		return ""
	}
	return a.uri.User().String()
}

func (a *Account) Host() string { return a.uri.Host() }

// Port returns the URI port, 0 when absent.
func (a *Account) Port() uint16 {
	if p := a.uri.Port(); p != nil {
		return uint16(*p)
	}
	return 0
}

// AF returns the address family of the account host, IPv4 for host names.
func (a *Account) AF() network.Family {
	if strings.Contains(a.uri.Host(), ":") {
		return network.IPv6
	}
	return network.IPv4
}

// AOR returns the address of record without credentials and parameters.
func (a *Account) AOR() string {
	uri := sip.SipUri{
		FIsEncrypted: a.uri.IsEncrypted(),
		FUser:        a.uri.User(),
		FHost:        a.uri.Host(),
		FPort:        a.uri.Port(),
	}
	return uri.String()
}

// URIParams returns the raw URI parameters including the leading ';'.
func (a *Account) URIParams() string { return a.uriParams }

// Params returns the decoded address parameters.
func (a *Account) Params() sip.Params { return a.params }

// HasParam reports whether the address parameters carry name, and when
// value is non-empty, whether it equals value.
func (a *Account) HasParam(name, value string) bool {
	if !a.params.Has(name) {
		return false
	}
	return value == "" || strings.EqualFold(a.param(name), value)
}

func (a *Account) AnswerMode() AnswerMode { return a.answermode }
func (a *Account) AuthUser() string       { return a.authUser }
func (a *Account) AuthPass() string       { return a.authPass }
func (a *Account) MediaNAT() string       { return a.mnatID }
func (a *Account) MediaEnc() string       { return a.mencID }
func (a *Account) RegInterval() uint32    { return a.regint }
func (a *Account) PubInterval() uint32    { return a.pubint }
func (a *Account) RegQ() string           { return a.regq }
func (a *Account) SIPNat() string         { return a.sipnat }
func (a *Account) RTPKeep() string        { return a.rtpkeep }
func (a *Account) Ptime() uint32          { return a.ptime }
func (a *Account) StunUser() string       { return a.stunUser }
func (a *Account) StunPass() string       { return a.stunPass }
func (a *Account) StunHost() string       { return a.stunHost }
func (a *Account) StunPort() uint16       { return a.stunPort }
func (a *Account) AudioCodecs() []string  { return a.audio }
func (a *Account) VideoCodecs() []string  { return a.video }

// MediaNATTag returns the feature tag advertised in REGISTER for the
// media NAT policy, "" if it has none.
func (a *Account) MediaNATTag() string {
	if strings.EqualFold(a.mnatID, "ice") {
		return "+sip.ice"
	}
	return ""
}

// Outbound returns the outbound proxy of slot i, "" for an empty or
// out of range slot.
func (a *Account) Outbound(i int) string {
	if i < 0 || i >= MaxOutbound {
		return ""
	}
	return a.outbound[i]
}

func (a *Account) String() string { return a.raw }

// Debug renders the decoded fields for the status printout.
func (a *Account) Debug() string {
	var b strings.Builder
	fmt.Fprintf(&b, " address:      %s\n", a.raw)
	fmt.Fprintf(&b, " luri:         %s\n", a.AOR())
	fmt.Fprintf(&b, " aor:          %s\n", a.AOR())
	fmt.Fprintf(&b, " dispname:     %s\n", a.dispname)
	fmt.Fprintf(&b, " answermode:   %s\n", a.answermode)
	fmt.Fprintf(&b, " auth_user:    %s\n", a.authUser)
	fmt.Fprintf(&b, " medianat:     %s\n", a.mnatID)
	fmt.Fprintf(&b, " mediaenc:     %s\n", a.mencID)
	for i, ob := range a.outbound {
		if ob != "" {
			fmt.Fprintf(&b, " outbound%d:    %s\n", i+1, ob)
		}
	}
	fmt.Fprintf(&b, " ptime:        %d\n", a.ptime)
	fmt.Fprintf(&b, " regint:       %d\n", a.regint)
	fmt.Fprintf(&b, " pubint:       %d\n", a.pubint)
	fmt.Fprintf(&b, " regq:         %s\n", a.regq)
	fmt.Fprintf(&b, " sipnat:       %s\n", a.sipnat)
	fmt.Fprintf(&b, " stunuser:     %s\n", a.stunUser)
	fmt.Fprintf(&b, " stunserver:   %s\n", utils.JoinHostPort(a.stunHost, a.stunPort))
	return b.String()
}
