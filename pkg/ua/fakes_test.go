package ua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/cloudwebrtc/go-sip-uag/pkg/config"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testLogger = utils.NewLogrusLogger(log.ErrorLevel, "ua_test", nil)

var errFake = errors.New("fake failure")

// fakeStack records what the registry asks of the SIP stack. REGISTER
// results are delivered synchronously by regResult, nil leaves them pending.
type fakeStack struct {
	mu         sync.Mutex
	transports []string
	handlers   map[sip.RequestMethod]RequestHandler
	exith      func()
	registers  []*RegisterRequest
	options    []*OptionsRequest
	pending    []ResultHandler
	regResult  func(req *RegisterRequest) *Result
	regErr     error
	addErr     error
	flushed    int
	closed     []bool
}

func newFakeStack() *fakeStack {
	return &fakeStack{handlers: make(map[sip.RequestMethod]RequestHandler)}
}

func (s *fakeStack) AddTransport(proto string, laddr string, tls *TLSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.transports = append(s.transports, proto+" "+laddr)
	return nil
}

func (s *fakeStack) FlushTransports() {
	s.mu.Lock()
	s.transports = nil
	s.flushed++
	s.mu.Unlock()
}

func (s *fakeStack) OnRequest(method sip.RequestMethod, h RequestHandler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

func (s *fakeStack) SetExitHandler(h func()) {
	s.mu.Lock()
	s.exith = h
	s.mu.Unlock()
}

func (s *fakeStack) Register(_ context.Context, req *RegisterRequest, h ResultHandler) error {
	s.mu.Lock()
	if s.regErr != nil {
		err := s.regErr
		s.mu.Unlock()
		return err
	}
	s.registers = append(s.registers, req)
	result := s.regResult
	if result == nil {
		s.pending = append(s.pending, h)
	}
	s.mu.Unlock()

	if result != nil {
		if res := result(req); res != nil {
			h(res)
		}
	}
	return nil
}

func (s *fakeStack) Options(_ context.Context, req *OptionsRequest, h ResultHandler) error {
	s.mu.Lock()
	s.options = append(s.options, req)
	s.mu.Unlock()
	h(&Result{StatusCode: 200, Reason: "OK"})
	return nil
}

func (s *fakeStack) Close(forced bool) {
	s.mu.Lock()
	s.closed = append(s.closed, forced)
	exith := s.exith
	s.mu.Unlock()
	if exith != nil {
		exith()
	}
}

func (s *fakeStack) handler(method sip.RequestMethod) RequestHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[method]
}

func (s *fakeStack) registerRequests() []*RegisterRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RegisterRequest(nil), s.registers...)
}

func (s *fakeStack) transportList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transports...)
}

func okResult(req *RegisterRequest) *Result {
	return &Result{StatusCode: 200, Reason: "OK", Expires: req.Expires}
}

// fakeCall implements Call and records every operation.
type fakeCall struct {
	mu         sync.Mutex
	prm        *CallParams
	id         string
	peer       string
	onHold     bool
	holdErr    error
	connectErr error
	acceptErr  error
	connected  string
	accepted   bool
	answered   int
	progress   int
	hangup     []int
	closed     int
	sipfrag    []string
	handled    []sip.RequestMethod
	laddr      net.IP
}

func (c *fakeCall) Connect(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = target
	return c.connectErr
}

func (c *fakeCall) Accept(req sip.Request, tx ServerTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = true
	return c.acceptErr
}

func (c *fakeCall) Answer(code int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = code
	return nil
}

func (c *fakeCall) Progress() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress++
	return nil
}

func (c *fakeCall) Hangup(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangup = append(c.hangup, code)
}

func (c *fakeCall) Hold(hold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holdErr != nil {
		return c.holdErr
	}
	c.onHold = hold
	return nil
}

func (c *fakeCall) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

func (c *fakeCall) NotifySipfrag(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sipfrag = append(c.sipfrag, fmt.Sprintf("%d %s", code, reason))
	return nil
}

func (c *fakeCall) ResetTransport(laddr net.IP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.laddr = laddr
	return nil
}

func (c *fakeCall) SDP(offer bool) (string, error) {
	return "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n", nil
}

func (c *fakeCall) HandleRequest(req sip.Request, tx ServerTx) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, req.Method())
	return true
}

func (c *fakeCall) requests() []sip.RequestMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sip.RequestMethod(nil), c.handled...)
}

func (c *fakeCall) PeerURI() string    { return c.peer }
func (c *fakeCall) LocalURI() string   { return c.prm.LocalURI }
func (c *fakeCall) CallID() string     { return c.id }
func (c *fakeCall) AF() network.Family { return c.prm.AF }
func (c *fakeCall) LineNum() int       { return c.prm.LineNum }

func (c *fakeCall) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *fakeCall) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

// fire reports a call event the way a real call does.
func (c *fakeCall) fire(ev CallEvent, text string) {
	c.prm.Events(c, ev, text)
}

// callFactory allocates fakeCalls; prepare tweaks each new call.
type callFactory struct {
	mu      sync.Mutex
	calls   []*fakeCall
	err     error
	peer    string
	prepare func(c *fakeCall)
}

func (f *callFactory) alloc(prm *CallParams) (Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	peer := f.peer
	if peer == "" {
		peer = "sip:carol@peer.example.com"
	}
	c := &fakeCall{prm: prm, id: uuid.New().String(), peer: peer}
	if f.prepare != nil {
		f.prepare(c)
	}
	f.calls = append(f.calls, c)
	return c, nil
}

func (f *callFactory) last() *fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type recordedEvent struct {
	ua   *UserAgent
	ev   EventKind
	call Call
	text string
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) HandleEvent(ua *UserAgent, ev EventKind, call Call, text string) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{ua: ua, ev: ev, call: call, text: text})
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.ev)
	}
	return kinds
}

func (r *recorder) count(ev EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == ev {
			n++
		}
	}
	return n
}

func (r *recorder) find(ev EventKind) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ev == ev {
			return e, true
		}
	}
	return recordedEvent{}, false
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type blocklist map[string]bool

func (b blocklist) BlockAccess(peer string) bool { return b[peer] }

type testEnv struct {
	uag   *Registry
	stack *fakeStack
	calls *callFactory
	rec   *recorder
	cfg   *config.Config
}

func newTestEnv(t *testing.T, tweak func(cfg *config.Config), opts ...Option) *testEnv {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	env := &testEnv{
		stack: newFakeStack(),
		calls: &callFactory{},
		rec:   &recorder{},
		cfg:   cfg,
	}
	opts = append([]Option{
		WithLogger(testLogger),
		WithNetwork(network.NewStatic(testLogger, net.ParseIP("10.0.0.1"))),
		WithCallAllocator(env.calls.alloc),
	}, opts...)
	env.uag = New(cfg, env.stack, opts...)
	require.NoError(t, env.uag.Init())
	require.NoError(t, env.uag.Subscribe(env.rec))
	t.Cleanup(env.uag.Close)
	return env
}

// noReg disables registration so tests start without REGISTER traffic.
const noReg = ";regint=0"

type fakeTx struct {
	mu        sync.Mutex
	responses []sip.Response
}

func (tx *fakeTx) Respond(res sip.Response) error {
	tx.mu.Lock()
	tx.responses = append(tx.responses, res)
	tx.mu.Unlock()
	return nil
}

func (tx *fakeTx) last() sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.responses) == 0 {
		return nil
	}
	return tx.responses[len(tx.responses)-1]
}

func newRequest(method sip.RequestMethod, user string, hdrs ...sip.Header) sip.Request {
	recipient := &sip.SipUri{FUser: sip.String{Str: user}, FHost: "10.0.0.1"}
	callID := sip.CallID(uuid.New().String())
	headers := []sip.Header{
		&sip.FromHeader{
			Address: &sip.SipUri{FUser: sip.String{Str: "carol"}, FHost: "peer.example.com"},
			Params:  sip.NewParams().Add("tag", sip.String{Str: "1928301774"}),
		},
		&sip.ToHeader{
			Address: &sip.SipUri{FUser: sip.String{Str: user}, FHost: "10.0.0.1"},
			Params:  sip.NewParams(),
		},
		&callID,
		&sip.CSeq{SeqNo: 1, MethodName: method},
	}
	headers = append(headers, hdrs...)
	return sip.NewRequest("", method, recipient, "SIP/2.0", headers, "", nil)
}
