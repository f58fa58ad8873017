package ua

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/cloudwebrtc/go-sip-uag/pkg/account"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/gammazero/deque"
	"github.com/ghettovoice/gosip/log"
)

const (
	maxExtensions = 8
	sipPort       = 5060
)

// PresenceStatus is the local presence state of a user agent.
type PresenceStatus int

const (
	PresenceUnknown PresenceStatus = iota
	PresenceOpen
	PresenceClosed
	PresenceBusy
)

func (s PresenceStatus) String() string {
	switch s {
	case PresenceOpen:
		return "open"
	case PresenceClosed:
		return "closed"
	case PresenceBusy:
		return "busy"
	}
	return "unknown"
}

// UserAgent is one SIP identity with its registration clients and calls.
type UserAgent struct {
	mu         sync.Mutex
	uag        *Registry
	acc        *account.Account
	regs       []*Register
	calls      deque.Deque[Call]
	reserved   map[int]bool
	extensions []string
	cuser      string
	pubGruu    string
	af         network.Family
	afMedia    network.Family
	presence   PresenceStatus
	refs       int32
	linked     bool
	freed      bool
	log        log.Logger
}

func newUserAgent(uag *Registry, acc *account.Account) *UserAgent {
	ua := &UserAgent{
		uag:      uag,
		acc:      acc,
		reserved: make(map[int]bool),
		af:       network.IPv4,
	}
	if uag.cfg.Transports.PreferIPv6 {
		ua.af = network.IPv6
	}
	// unique contact user, routes incoming requests when several user
	// agents share one account user
	ua.cuser = fmt.Sprintf("%s-%p", acc.User(), ua)
	ua.log = uag.log.WithPrefix("UserAgent").WithFields(log.Fields{
		"ua": acc.User() + "@" + acc.Host(),
	})
	return ua
}

func (ua *UserAgent) String() string {
	return ua.acc.AOR()
}

func (ua *UserAgent) Log() log.Logger {
	return ua.log
}

func (ua *UserAgent) Account() *account.Account {
	return ua.acc
}

func (ua *UserAgent) AOR() string {
	return ua.acc.AOR()
}

// Cuser returns the public GRUU if set, otherwise the local contact user.
func (ua *UserAgent) Cuser() string {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if ua.pubGruu != "" {
		return ua.pubGruu
	}
	return ua.cuser
}

func (ua *UserAgent) LocalCuser() string {
	return ua.cuser
}

func (ua *UserAgent) SetPubGruu(gruu string) {
	ua.mu.Lock()
	ua.pubGruu = gruu
	ua.mu.Unlock()
}

func (ua *UserAgent) PubGruu() string {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.pubGruu
}

// AF is the address family used for SIP signaling.
func (ua *UserAgent) AF() network.Family {
	return ua.af
}

// SetMediaAF overrides the address family of new calls, Unspec resets it.
func (ua *UserAgent) SetMediaAF(af network.Family) {
	ua.mu.Lock()
	ua.afMedia = af
	ua.mu.Unlock()
}

func (ua *UserAgent) PresenceStatus() PresenceStatus {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.presence
}

func (ua *UserAgent) SetPresenceStatus(status PresenceStatus) {
	ua.mu.Lock()
	ua.presence = status
	ua.mu.Unlock()
}

// Outbound returns the first outbound proxy of the account.
func (ua *UserAgent) Outbound() string {
	return ua.acc.Outbound(0)
}

func (ua *UserAgent) addExtension(ext string) {
	if len(ua.extensions) >= maxExtensions {
		ua.log.Warnf("maximum %d number of SIP extensions", maxExtensions)
		return
	}
	ua.extensions = append(ua.extensions, ext)
}

// Extensions returns the supported SIP option tags.
func (ua *UserAgent) Extensions() []string {
	return append([]string(nil), ua.extensions...)
}

func (ua *UserAgent) SupportsExtension(tag string) bool {
	for _, ext := range ua.extensions {
		if strings.EqualFold(ext, tag) {
			return true
		}
	}
	return false
}

// Retain marks the user agent as referenced outside the registry.
func (ua *UserAgent) Retain() *UserAgent {
	atomic.AddInt32(&ua.refs, 1)
	return ua
}

// Release drops an external reference; the last one frees a user agent
// that was already removed from the registry.
func (ua *UserAgent) Release() {
	if atomic.AddInt32(&ua.refs, -1) > 0 {
		return
	}
	ua.mu.Lock()
	linked := ua.linked
	ua.mu.Unlock()
	if !linked {
		ua.free()
	}
}

func (ua *UserAgent) retained() bool {
	return atomic.LoadInt32(&ua.refs) > 0
}

func (ua *UserAgent) setLinked(linked bool) {
	ua.mu.Lock()
	ua.linked = linked
	ua.mu.Unlock()
}

// free unregisters and releases everything the user agent owns.
func (ua *UserAgent) free() {
	ua.mu.Lock()
	if ua.freed {
		ua.mu.Unlock()
		return
	}
	ua.freed = true
	regs := ua.regs
	ua.regs = nil
	ua.mu.Unlock()

	if len(regs) > 0 {
		ua.event(EventUnregistering, nil, "")
	}
	for _, r := range regs {
		r.Unregister()
		r.Close()
	}
	ua.flushCalls()
}

func (ua *UserAgent) event(ev EventKind, call Call, text string) {
	if ua.uag != nil {
		ua.uag.emit(ua, ev, call, text)
	}
}

func (ua *UserAgent) stack() Stack {
	if ua.uag == nil {
		return nil
	}
	return ua.uag.stack
}

// Regs returns the registration clients.
func (ua *UserAgent) Regs() []*Register {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return append([]*Register(nil), ua.regs...)
}

// Register starts registration on every registration client. The first
// client failing to start aborts the remaining ones; clients already
// started are left running.
func (ua *UserAgent) Register() error {
	acc := ua.acc
	scheme := "sip"
	if u := acc.URI(); u.IsEncrypted() {
		scheme = "sips"
	}
	regURI := scheme + ":" + ua.hostport() + acc.URIParams()

	var params strings.Builder
	if id := ua.uag.UUID(); id != "" {
		fmt.Fprintf(&params, `;+sip.instance="<urn:uuid:%s>"`, id)
	}
	if q := acc.RegQ(); q != "" {
		fmt.Fprintf(&params, ";q=%s", q)
	}
	if tag := acc.MediaNATTag(); tag != "" {
		fmt.Fprintf(&params, ";%s", tag)
	}

	ua.event(EventRegistering, nil, "")

	for _, r := range ua.Regs() {
		if err := r.Register(regURI, params.String(), acc.RegInterval(), acc.Outbound(r.id-1)); err != nil {
			ua.log.Warnf("SIP register failed: %v", err)
			return err
		}
	}
	return nil
}

// Unregister removes all bindings. Nothing happens when no client is
// registered or registering.
func (ua *UserAgent) Unregister() {
	regs := ua.Regs()
	active := false
	for _, r := range regs {
		if r.active() {
			active = true
			break
		}
	}
	if !active {
		return
	}

	ua.event(EventUnregistering, nil, "")
	for _, r := range regs {
		r.Unregister()
	}
}

// IsRegistered is true when at least one registration client is OK.
func (ua *UserAgent) IsRegistered() bool {
	for _, r := range ua.Regs() {
		if r.IsOK() {
			return true
		}
	}
	return false
}

func (ua *UserAgent) hostport() string {
	acc := ua.acc
	host := acc.Host()
	if acc.AF() == network.IPv6 && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	if port := acc.Port(); port != 0 && port != sipPort {
		host = fmt.Sprintf("%s:%d", host, port)
	}
	return host
}

// completeURI adds the sip: scheme and the account domain when missing.
func (ua *UserAgent) completeURI(uri string) string {
	uri = strings.TrimLeftFunc(uri, unicode.IsSpace)
	var b strings.Builder
	lower := strings.ToLower(uri)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		b.WriteString("sip:")
	}
	b.WriteString(uri)
	if !strings.Contains(uri, "@") {
		b.WriteString("@")
		b.WriteString(ua.hostport())
	}
	return b.String()
}

// dialString builds the target of an outgoing call.
func (ua *UserAgent) dialString(uri, params string) string {
	var b strings.Builder
	if params != "" {
		b.WriteString("<")
	}
	b.WriteString(ua.completeURI(uri))
	if params != "" {
		b.WriteString(";")
		b.WriteString(params)
	}
	b.WriteString(ua.acc.URIParams())
	if params != "" {
		b.WriteString(">")
	}
	return b.String()
}

// OptionsSend sends OPTIONS to the peer uri; h gets the final response.
func (ua *UserAgent) OptionsSend(uri string, h ResultHandler) error {
	if strings.TrimSpace(uri) == "" {
		return ErrInvalidInput
	}
	stack := ua.stack()
	if stack == nil {
		return ErrClosed
	}
	acc := ua.acc
	req := &OptionsRequest{
		URI:         ua.completeURI(uri),
		AOR:         acc.AOR(),
		DisplayName: acc.DisplayName(),
		Cuser:       ua.Cuser(),
		Outbound:    acc.Outbound(0),
		AuthUser:    acc.AuthUser(),
		AuthPass:    acc.AuthPass(),
	}
	if err := stack.Options(ua.uag.ctx, req, h); err != nil {
		ua.log.Warnf("send options: %v", err)
		return err
	}
	return nil
}
