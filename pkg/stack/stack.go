package stack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/transaction"
	"github.com/ghettovoice/gosip/transport"
	"github.com/ghettovoice/gosip/util"
	"github.com/tevino/abool"
)

const (
	// DefaultUserAgent .
	DefaultUserAgent = "Go SIP UAG/1.0.0"
)

var _ ua.Stack = (*SipStack)(nil)

// ErrStopped is returned when sending through a closed stack.
var ErrStopped = errors.New("can not send through stopped stack")

// Config describes available options
type Config struct {
	// Public IP address or domain name, if empty auto resolved IP will be used.
	Host string
	// Dns is an address of the public DNS server to use in SRV lookup.
	Dns        string
	UserAgent  string
	Extensions []string
	MsgMapper  sip.MessageMapper
}

// layers is one generation of transport and transaction layers; flushing
// the transports replaces it.
type layers struct {
	tp     transport.Layer
	tx     transaction.Layer
	ip     net.IP
	ports  map[string]sip.Port
	stop   chan struct{}
	served chan struct{}
}

// SipStack is the gosip transport/transaction stack shared by all user
// agents of the registry.
type SipStack struct {
	cfg      Config
	resolver *net.Resolver

	mu  sync.RWMutex
	cur *layers

	hwg      sync.WaitGroup
	pending  sync.WaitGroup
	hmu      sync.RWMutex
	handlers map[sip.RequestMethod]ua.RequestHandler
	exith    func()
	exitOnce sync.Once

	invites     map[transaction.TxKey]sip.Request
	invitesLock sync.RWMutex

	closed *abool.AtomicBool
	log    log.Logger
}

// New creates the stack; transports are added with AddTransport.
func New(cfg *Config, logger log.Logger) *SipStack {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	var resolver *net.Resolver
	if cfg.Dns != "" {
		dns := cfg.Dns
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
	} else {
		resolver = net.DefaultResolver
	}

	s := &SipStack{
		cfg:      *cfg,
		resolver: resolver,
		handlers: make(map[sip.RequestMethod]ua.RequestHandler),
		invites:  make(map[transaction.TxKey]sip.Request),
		closed:   abool.New(),
	}
	s.log = logger.WithPrefix("SipStack").WithFields(log.Fields{
		"sip_stack_ptr": fmt.Sprintf("%p", s),
	})
	return s
}

// Log .
func (s *SipStack) Log() log.Logger {
	return s.log
}

func (s *SipStack) UserAgent() string {
	return s.cfg.UserAgent
}

func (s *SipStack) hostIP(laddr string) (net.IP, error) {
	if host, _, err := net.SplitHostPort(laddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
			return ip, nil
		}
	}
	if s.cfg.Host != "" {
		addr, err := net.ResolveIPAddr("ip", s.cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("resolve host IP failed: %w", err)
		}
		return addr.IP, nil
	}
	ip, err := util.ResolveSelfIP()
	if err != nil {
		return nil, fmt.Errorf("resolve host IP failed: %w", err)
	}
	return ip, nil
}

// layersFor returns the current layers, creating them bound to the address
// of laddr when the transports were flushed.
func (s *SipStack) layersFor(laddr string) (*layers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return s.cur, nil
	}
	ip, err := s.hostIP(laddr)
	if err != nil {
		return nil, err
	}

	l := &layers{
		ip:     ip,
		ports:  make(map[string]sip.Port),
		stop:   make(chan struct{}),
		served: make(chan struct{}),
	}
	l.tp = transport.NewLayer(ip, s.resolver, s.cfg.MsgMapper, s.log.WithPrefix("transport.Layer"))
	l.tx = transaction.NewLayer(&sipTransport{tpl: l.tp, s: s}, s.log.WithPrefix("transaction.Layer"))
	s.cur = l
	go s.serve(l)
	return l, nil
}

func (s *SipStack) current() *layers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// AddTransport starts listening on laddr. proto is udp, tcp or tls.
func (s *SipStack) AddTransport(proto string, laddr string, tlsConf *ua.TLSConfig) error {
	if s.closed.IsSet() {
		return ErrStopped
	}
	l, err := s.layersFor(laddr)
	if err != nil {
		return err
	}

	network := strings.ToUpper(proto)
	if network == "TLS" {
		opts, err := s.tlsOptions(tlsConf)
		if err != nil {
			return err
		}
		err = l.tp.Listen(network, laddr, opts)
		if err != nil {
			return err
		}
	} else if err := l.tp.Listen(network, laddr); err != nil {
		return err
	}

	target, err := transport.NewTargetFromAddr(laddr)
	if err != nil {
		return err
	}
	target = transport.FillTargetHostAndPort(network, target)
	s.mu.Lock()
	if _, ok := l.ports[network]; !ok && target.Port != nil {
		l.ports[network] = *target.Port
	}
	s.mu.Unlock()
	s.log.Infof("listening on %s %s", network, laddr)
	return nil
}

// FlushTransports closes every listener and connection. Pending client
// transactions are terminated.
func (s *SipStack) FlushTransports() {
	s.mu.Lock()
	l := s.cur
	s.cur = nil
	s.mu.Unlock()
	if l == nil {
		return
	}
	s.stopLayers(l)
}

func (s *SipStack) stopLayers(l *layers) {
	// stop transaction layer
	l.tx.Cancel()
	<-l.tx.Done()
	// stop transport layer
	l.tp.Cancel()
	<-l.tp.Done()
	close(l.stop)
	<-l.served
}

// LocalAddr returns the host and port requests for proto are sent from.
func (s *SipStack) LocalAddr(proto string) (string, sip.Port) {
	network := strings.ToUpper(proto)
	if network == "" {
		network = "UDP"
	}
	l := s.current()
	if l == nil {
		return "", sip.DefaultPort(network)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := l.ports[network]; ok {
		return l.ip.String(), p
	}
	return l.ip.String(), sip.DefaultPort(network)
}

func (s *SipStack) serve(l *layers) {
	defer close(l.served)

	for {
		select {
		case <-l.stop:
			return
		case tx, ok := <-l.tx.Requests():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleRequest(tx.Origin(), tx)
		case ack, ok := <-l.tx.Acks():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleRequest(ack, nil)
		case response, ok := <-l.tx.Responses():
			if !ok {
				return
			}
			logger := s.Log().WithFields(map[string]interface{}{
				"sip_response": response.Short(),
			})
			logger.Warn("received not matched response")
			if key, err := transaction.MakeClientTxKey(response); err == nil {
				s.invitesLock.RLock()
				inviteRequest, ok := s.invites[key]
				s.invitesLock.RUnlock()
				if ok {
					go s.AckInviteRequest(inviteRequest, response)
				}
			}
		case err, ok := <-l.tx.Errors():
			if !ok {
				return
			}
			s.Log().Errorf("received SIP transaction error: %s", err)
		case err, ok := <-l.tp.Errors():
			if !ok {
				return
			}
			s.Log().Errorf("received SIP transport error: %s", err)
		}
	}
}

func (s *SipStack) handleRequest(req sip.Request, tx sip.ServerTransaction) {
	defer s.hwg.Done()

	logger := s.Log().WithFields(req.Fields())
	logger.Debugf("routing incoming SIP request...")

	s.hmu.RLock()
	handler, ok := s.handlers[req.Method()]
	s.hmu.RUnlock()

	if !ok {
		if req.IsAck() {
			return
		}
		logger.Warnf("SIP request %v handler not found", req.Method())

		res := sip.NewResponseFromRequest("", req, 405, "Method Not Allowed", "")
		if _, err := s.Respond(res); err != nil {
			logger.Errorf("respond '405 Method Not Allowed' failed: %s", err)
		}
		return
	}

	if tx == nil {
		handler(req, nil)
		return
	}
	handler(req, tx)
}

// OnRequest registers new request callback
func (s *SipStack) OnRequest(method sip.RequestMethod, handler ua.RequestHandler) {
	s.hmu.Lock()
	s.handlers[method] = handler
	s.hmu.Unlock()
}

// SetExitHandler sets the handler run once the stack has been closed.
func (s *SipStack) SetExitHandler(h func()) {
	s.hmu.Lock()
	s.exith = h
	s.hmu.Unlock()
}

// Close stops the stack. Without forced the pending client transactions
// are awaited in the background first.
func (s *SipStack) Close(forced bool) {
	if !s.closed.SetToIf(false, true) {
		return
	}
	if forced {
		s.shutdown()
		return
	}
	go func() {
		s.pending.Wait()
		s.shutdown()
	}()
}

func (s *SipStack) shutdown() {
	s.FlushTransports()
	// wait for handlers
	s.hwg.Wait()

	s.exitOnce.Do(func() {
		s.hmu.RLock()
		h := s.exith
		s.hmu.RUnlock()
		if h != nil {
			h()
		}
	})
}

// Request starts a client transaction for req.
func (s *SipStack) Request(req sip.Request) (sip.ClientTransaction, error) {
	if s.closed.IsSet() {
		return nil, ErrStopped
	}
	l := s.current()
	if l == nil {
		return nil, fmt.Errorf("request %s: no transport", req.Method())
	}
	return l.tx.Request(s.prepareRequest(req))
}

// Respond .
func (s *SipStack) Respond(res sip.Response) (sip.ServerTransaction, error) {
	l := s.current()
	if l == nil {
		return nil, fmt.Errorf("respond %d: no transport", res.StatusCode())
	}
	return l.tx.Respond(s.prepareResponse(res))
}

// RespondOnRequest .
func (s *SipStack) RespondOnRequest(
	request sip.Request,
	status sip.StatusCode,
	reason, body string,
	headers []sip.Header,
) (sip.ServerTransaction, error) {
	response := sip.NewResponseFromRequest("", request, status, reason, body)
	for _, header := range headers {
		response.AppendHeader(header)
	}

	tx, err := s.Respond(response)
	if err != nil {
		return nil, fmt.Errorf("respond '%d %s' failed: %w", response.StatusCode(), response.Reason(), err)
	}

	return tx, nil
}

// Send sends msg outside of any transaction.
func (s *SipStack) Send(msg sip.Message) error {
	l := s.current()
	if l == nil {
		return ErrStopped
	}

	switch m := msg.(type) {
	case sip.Request:
		msg = s.prepareRequest(m)
	case sip.Response:
		msg = s.prepareResponse(m)
	}

	return l.tp.Send(msg)
}

func (s *SipStack) RememberInviteRequest(request sip.Request) {
	if key, err := transaction.MakeClientTxKey(request); err == nil {
		s.invitesLock.Lock()
		s.invites[key] = request
		s.invitesLock.Unlock()

		time.AfterFunc(time.Minute, func() {
			s.invitesLock.Lock()
			delete(s.invites, key)
			s.invitesLock.Unlock()
		})
	} else {
		s.Log().WithFields(map[string]interface{}{
			"sip_request": request.Short(),
		}).Errorf("remember of the request failed: %s", err)
	}
}

func (s *SipStack) AckInviteRequest(request sip.Request, response sip.Response) {
	ackRequest := sip.NewAckRequest("", request, response, "", log.Fields{
		"sent_at": time.Now(),
	})
	ackRequest.SetSource(request.Source())
	ackRequest.SetDestination(request.Destination())
	if err := s.Send(ackRequest); err != nil {
		s.Log().WithFields(map[string]interface{}{
			"invite_request":  request.Short(),
			"invite_response": response.Short(),
			"ack_request":     ackRequest.Short(),
		}).Errorf("send ACK request failed: %s", err)
	}
}

func (s *SipStack) CancelRequest(request sip.Request, response sip.Response) {
	cancelRequest := sip.NewCancelRequest("", request, log.Fields{
		"sent_at": time.Now(),
	})
	if err := s.Send(cancelRequest); err != nil {
		s.Log().WithFields(map[string]interface{}{
			"invite_request":  request.Short(),
			"invite_response": response.Short(),
			"cancel_request":  cancelRequest.Short(),
		}).Errorf("send CANCEL request failed: %s", err)
	}
}

func (s *SipStack) prepareRequest(req sip.Request) sip.Request {
	if viaHop, ok := req.ViaHop(); ok {
		if viaHop.Params == nil {
			viaHop.Params = sip.NewParams()
		}
		if !viaHop.Params.Has("branch") {
			viaHop.Params.Add("branch", sip.String{Str: sip.GenerateBranch()})
		}
	} else {
		viaHop = &sip.ViaHop{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Params: sip.NewParams().
				Add("branch", sip.String{Str: sip.GenerateBranch()}),
		}

		req.PrependHeaderAfter(sip.ViaHeader{
			viaHop,
		}, "Route")
	}

	s.appendAutoHeaders(req)

	return req
}

func (s *SipStack) prepareResponse(res sip.Response) sip.Response {
	s.appendAutoHeaders(res)
	return res
}

var autoAppendMethods = map[sip.RequestMethod]bool{
	sip.INVITE:   true,
	sip.REGISTER: true,
	sip.OPTIONS:  true,
	sip.REFER:    true,
	sip.NOTIFY:   true,
}

func (s *SipStack) appendAutoHeaders(msg sip.Message) {
	var msgMethod sip.RequestMethod
	switch m := msg.(type) {
	case sip.Request:
		msgMethod = m.Method()
	case sip.Response:
		if cseq, ok := m.CSeq(); ok && !m.IsProvisional() {
			msgMethod = cseq.MethodName
		}
	}
	if autoAppendMethods[msgMethod] {
		if hdrs := msg.GetHeaders("Allow"); len(hdrs) == 0 {
			msg.AppendHeader(s.allowHeader())
		}
		if hdrs := msg.GetHeaders("Supported"); len(hdrs) == 0 && len(s.cfg.Extensions) > 0 {
			msg.AppendHeader(&sip.SupportedHeader{
				Options: s.cfg.Extensions,
			})
		}
	}

	if _, ok := msg.(sip.Request); ok {
		if hdrs := msg.GetHeaders("User-Agent"); len(hdrs) == 0 {
			userAgent := sip.UserAgentHeader(s.cfg.UserAgent)
			msg.AppendHeader(&userAgent)
		}
	} else if hdrs := msg.GetHeaders("Server"); len(hdrs) == 0 {
		msg.AppendHeader(&sip.GenericHeader{HeaderName: "Server", Contents: s.cfg.UserAgent})
	}

	if l := s.current(); l != nil && l.tp.IsStreamed(msg.Transport()) {
		if hdrs := msg.GetHeaders("Content-Length"); len(hdrs) == 0 {
			msg.SetBody(msg.Body(), true)
		}
	}
}

func (s *SipStack) allowHeader() sip.AllowHeader {
	methods := []sip.RequestMethod{
		sip.INVITE,
		sip.ACK,
		sip.BYE,
		sip.CANCEL,
		sip.INFO,
		sip.OPTIONS,
	}
	added := map[sip.RequestMethod]bool{
		sip.INVITE:  true,
		sip.ACK:     true,
		sip.BYE:     true,
		sip.CANCEL:  true,
		sip.INFO:    true,
		sip.OPTIONS: true,
	}

	s.hmu.RLock()
	for method := range s.handlers {
		if !added[method] {
			methods = append(methods, method)
			added[method] = true
		}
	}
	s.hmu.RUnlock()

	return sip.AllowHeader(methods)
}

type sipTransport struct {
	tpl transport.Layer
	s   *SipStack
}

func (tp *sipTransport) Messages() <-chan sip.Message {
	return tp.tpl.Messages()
}

func (tp *sipTransport) Send(msg sip.Message) error {
	switch m := msg.(type) {
	case sip.Request:
		msg = tp.s.prepareRequest(m)
	case sip.Response:
		msg = tp.s.prepareResponse(m)
	}
	return tp.tpl.Send(msg)
}

func (tp *sipTransport) IsReliable(network string) bool {
	return tp.tpl.IsReliable(network)
}

func (tp *sipTransport) IsStreamed(network string) bool {
	return tp.tpl.IsStreamed(network)
}
