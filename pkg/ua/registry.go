package ua

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/cloudwebrtc/go-sip-uag/pkg/account"
	"github.com/cloudwebrtc/go-sip-uag/pkg/command"
	"github.com/cloudwebrtc/go-sip-uag/pkg/config"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/gammazero/deque"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/tevino/abool"
)

// Option configures a Registry.
type Option func(uag *Registry)

func WithNetwork(n *network.Network) Option {
	return func(uag *Registry) { uag.net = n }
}

// WithContacts sets the blocklist consulted for incoming calls.
func WithContacts(contacts Blocklist) Option {
	return func(uag *Registry) { uag.contacts = contacts }
}

// WithCommands sets the command registry the quit command is added to.
func WithCommands(cmds *command.Commands) Option {
	return func(uag *Registry) { uag.cmds = cmds }
}

func WithCallAllocator(alloc CallAllocator) Option {
	return func(uag *Registry) { uag.newCall = alloc }
}

func WithLogger(logger log.Logger) Option {
	return func(uag *Registry) { uag.log = logger }
}

func WithMessageHandler(h MessageHandler) Option {
	return func(uag *Registry) { uag.msgh = h }
}

// Registry owns all user agents of the process together with the SIP
// stack they share.
type Registry struct {
	mu       sync.Mutex
	cfg      *config.Config
	stack    Stack
	net      *network.Network
	contacts Blocklist
	cmds     *command.Commands
	newCall  CallAllocator
	uas      deque.Deque[*UserAgent]
	current  *UserAgent
	events   eventList
	eprm     string
	subh     SubscribeHandler
	msgh     MessageHandler
	exith    func()
	tls      *TLSConfig
	running  *abool.AtomicBool
	ctx      context.Context
	cancel   context.CancelFunc
	log      log.Logger
}

// New creates the registry; Init must be called before allocating user agents.
func New(cfg *config.Config, stack Stack, opts ...Option) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	uag := &Registry{
		cfg:     cfg,
		stack:   stack,
		eprm:    cfg.ExtraParams,
		running: abool.New(),
	}
	for _, opt := range opts {
		opt(uag)
	}
	if uag.log == nil {
		uag.log = log.NewDefaultLogrusLogger()
	}
	uag.log = uag.log.WithPrefix("ua.Registry")
	uag.ctx, uag.cancel = context.WithCancel(context.Background())
	return uag
}

func (uag *Registry) Log() log.Logger {
	return uag.log
}

// Init attaches the transports, installs the request handlers and the
// quit command.
func (uag *Registry) Init() error {
	if !uag.running.SetToIf(false, true) {
		return fmt.Errorf("%w: already initialized", ErrInvalidInput)
	}

	uag.stack.SetExitHandler(uag.exitHandler)

	if err := uag.addTransports(); err != nil {
		uag.running.UnSet()
		return fmt.Errorf("add transports: %w", err)
	}

	uag.stack.OnRequest(sip.INVITE, uag.handleInvite)
	uag.stack.OnRequest(sip.OPTIONS, uag.handleOptions)
	uag.stack.OnRequest(sip.SUBSCRIBE, uag.handleSubscribe)
	uag.stack.OnRequest(sip.MESSAGE, uag.handleMessage)
	for _, method := range []sip.RequestMethod{sip.ACK, sip.BYE, sip.CANCEL, sip.REFER, sip.INFO, sip.NOTIFY} {
		uag.stack.OnRequest(method, uag.handleInDialog)
	}

	if uag.cmds != nil {
		err := uag.cmds.Register(command.Command{
			Name: "quit",
			Key:  'q',
			Desc: "Quit",
			Handler: func(w io.Writer, _ string) error {
				fmt.Fprintln(w, "Quit")
				uag.StopAll(false)
				return nil
			},
		})
		if err != nil {
			uag.log.Warnf("register commands: %v", err)
		}
	}

	uag.log.Infof("user agent registry ready, transports: %s", uag.transportNames())
	return nil
}

// Close tears the registry down: commands first, then sockets, then user
// agents. User agents retained elsewhere are only unlinked.
func (uag *Registry) Close() {
	if !uag.running.SetToIf(true, false) {
		return
	}

	if uag.cmds != nil {
		uag.cmds.Unregister("quit")
	}
	uag.stack.Close(true)
	uag.flush()

	uag.mu.Lock()
	uag.current = nil
	uag.tls = nil
	uag.mu.Unlock()

	uag.events.clear()
	uag.cancel()
}

func (uag *Registry) flush() {
	uag.mu.Lock()
	uas := make([]*UserAgent, 0, uag.uas.Len())
	for uag.uas.Len() > 0 {
		uas = append(uas, uag.uas.PopFront())
	}
	uag.mu.Unlock()

	for _, ua := range uas {
		ua.setLinked(false)
		if !ua.retained() {
			ua.free()
		}
	}
}

// UUID is the instance id of this process, "" if none is configured.
func (uag *Registry) UUID() string {
	return uag.cfg.SIP.UUID
}

func (uag *Registry) Config() *config.Config {
	return uag.cfg
}

// SetExtraParams sets parameters appended to every address given to Alloc.
func (uag *Registry) SetExtraParams(eprm string) {
	uag.mu.Lock()
	uag.eprm = eprm
	uag.mu.Unlock()
}

// Alloc creates a user agent from an address like
// "Alice <sip:alice@example.com>;regint=600" and starts registering it.
func (uag *Registry) Alloc(aor string) (*UserAgent, error) {
	if !uag.running.IsSet() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(aor) == "" {
		return nil, ErrInvalidInput
	}

	uag.mu.Lock()
	addr := aor
	if uag.eprm != "" {
		addr += ";" + uag.eprm
	}
	uag.mu.Unlock()

	acc, err := account.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ua := newUserAgent(uag, acc)

	if strings.EqualFold(acc.MediaNAT(), "ice") {
		ua.addExtension("ice")
	}
	if uag.UUID() != "" {
		ua.addExtension("gruu")
	}

	if strings.EqualFold(acc.SIPNat(), "outbound") {
		ua.addExtension("path")
		ua.addExtension("outbound")

		if uag.UUID() == "" {
			return nil, fmt.Errorf("%w: outbound requires sip.uuid", ErrConfiguration)
		}

		for i := 0; i < account.MaxOutbound; i++ {
			if acc.Outbound(i) != "" && acc.RegInterval() > 0 {
				ua.regs = append(ua.regs, newRegister(ua, i+1))
			}
		}
	} else if acc.RegInterval() > 0 {
		ua.regs = append(ua.regs, newRegister(ua, 0))
	}

	uag.mu.Lock()
	uag.uas.PushBack(ua)
	ua.linked = true
	if uag.current == nil {
		uag.current = ua
	}
	uag.mu.Unlock()

	ua.log.Infof("allocated %s (cuser %s)", acc.AOR(), ua.LocalCuser())

	if acc.RegInterval() > 0 {
		if err := ua.Register(); err != nil {
			ua.event(EventRegisterFail, nil, err.Error())
		}
	}
	return ua, nil
}

// Destroy removes ua from the registry and frees it unless it is
// retained.
func (uag *Registry) Destroy(ua *UserAgent) {
	if ua == nil || !uag.unlink(ua) {
		return
	}
	if !ua.retained() {
		ua.free()
	}
}

func (uag *Registry) unlink(ua *UserAgent) bool {
	uag.mu.Lock()
	defer uag.mu.Unlock()
	i := uag.uas.Index(func(u *UserAgent) bool { return u == ua })
	if i < 0 {
		return false
	}
	uag.uas.Remove(i)
	ua.setLinked(false)
	if uag.current == ua {
		uag.current = nil
		if uag.uas.Len() > 0 {
			uag.current = uag.uas.Front()
		}
	}
	return true
}

// List returns the user agents in creation order.
func (uag *Registry) List() []*UserAgent {
	uag.mu.Lock()
	defer uag.mu.Unlock()
	uas := make([]*UserAgent, 0, uag.uas.Len())
	for i := 0; i < uag.uas.Len(); i++ {
		uas = append(uas, uag.uas.At(i))
	}
	return uas
}

func (uag *Registry) Len() int {
	uag.mu.Lock()
	defer uag.mu.Unlock()
	return uag.uas.Len()
}

// Find returns the user agent owning the contact user cuser, falling back
// to the account user part.
func (uag *Registry) Find(cuser string) *UserAgent {
	uas := uag.List()
	for _, ua := range uas {
		if strings.EqualFold(ua.LocalCuser(), cuser) {
			return ua
		}
	}
	for _, ua := range uas {
		if strings.EqualFold(ua.acc.User(), cuser) {
			return ua
		}
	}
	return nil
}

// FindAOR returns the user agent with address of record aor, or the first
// one when aor is empty.
func (uag *Registry) FindAOR(aor string) *UserAgent {
	for _, ua := range uag.List() {
		if aor != "" && ua.AOR() != aor {
			continue
		}
		return ua
	}
	return nil
}

// FindParam returns the first user agent whose address has parameter
// name, with the given value if value is not empty.
func (uag *Registry) FindParam(name, value string) *UserAgent {
	for _, ua := range uag.List() {
		if ua.acc.HasParam(name, value) {
			return ua
		}
	}
	return nil
}

// Current returns the current user agent, nil when there are none.
func (uag *Registry) Current() *UserAgent {
	uag.mu.Lock()
	defer uag.mu.Unlock()
	if uag.uas.Len() == 0 {
		return nil
	}
	return uag.current
}

func (uag *Registry) SetCurrent(ua *UserAgent) {
	if ua == nil {
		return
	}
	uag.mu.Lock()
	uag.current = ua
	uag.mu.Unlock()
}

// Subscribe adds an event handler. Subscribing a handler again moves it
// to the end instead of adding it twice. See EventHandlerFunc for how
// func handlers are compared.
func (uag *Registry) Subscribe(h EventHandler) error {
	if h == nil {
		return ErrInvalidInput
	}
	uag.events.add(h)
	return nil
}

func (uag *Registry) Unsubscribe(h EventHandler) {
	if h == nil {
		return
	}
	uag.events.remove(h)
}

func (uag *Registry) emit(ua *UserAgent, ev EventKind, call Call, text string) {
	uag.log.Debugf("event %s %s", ev, text)
	uag.events.emit(ua, ev, call, text)
}

// SetSubscribeHandler sets the handler of incoming SUBSCRIBE requests.
func (uag *Registry) SetSubscribeHandler(h SubscribeHandler) {
	uag.mu.Lock()
	uag.subh = h
	uag.mu.Unlock()
}

// SetExitHandler sets the function called once the stack has shut down.
func (uag *Registry) SetExitHandler(h func()) {
	uag.mu.Lock()
	uag.exith = h
	uag.mu.Unlock()
}

func (uag *Registry) exitHandler() {
	uag.emit(nil, EventExit, nil, "")

	uag.mu.Lock()
	h := uag.exith
	uag.mu.Unlock()
	if h != nil {
		h()
	}
}

// StopAll shuts every user agent down. User agents retained elsewhere are
// unlinked and lose their calls; the stack is then left running until the
// holders let go. Otherwise calls are dropped (forced) or user agents
// unregistered before the stack is closed.
func (uag *Registry) StopAll(forced bool) {
	retained := 0
	for _, ua := range uag.List() {
		if ua.retained() {
			uag.unlink(ua)
			ua.flushCalls()
			retained++
		}
		uag.emit(ua, EventShutdown, nil, "")
	}

	if retained > 0 {
		uag.log.Infof("in use (%d) by application", retained)
		return
	}

	if forced {
		for _, ua := range uag.List() {
			ua.flushCalls()
		}
	} else {
		uag.flush()
	}

	uag.stack.Close(forced)
}

// TLSConfig returns the TLS context shared by all TLS transports, created
// on first use.
func (uag *Registry) TLSConfig() *TLSConfig {
	uag.mu.Lock()
	defer uag.mu.Unlock()
	if uag.tls == nil {
		uag.tls = &TLSConfig{Cert: uag.cfg.SIP.Cert, Key: uag.cfg.SIP.Key}
	}
	return uag.tls
}

func (uag *Registry) localAddr(af network.Family) net.IP {
	if uag.net == nil {
		return nil
	}
	return uag.net.LocalAddr(af)
}
