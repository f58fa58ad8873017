package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/cloudwebrtc/go-sip-uag/pkg/auth"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/cloudwebrtc/go-sip-uag/pkg/stack"
	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
	"github.com/google/uuid"
)

var (
	ErrNoDialog    = errors.New("no dialog")
	ErrCallState   = errors.New("invalid call state")
	ErrInvalidBody = errors.New("invalid body")
)

// Stack is the part of the SIP stack a call sends requests through.
type Stack interface {
	NewRequest(d *stack.Dialog) (sip.Request, error)
	RequestAsync(ctx context.Context, request sip.Request, authorizer auth.Authorizer,
		provisional func(sip.Response), done func(sip.Response, error)) error
	ContactURI(cuser, proto string) string
}

// Config holds the media defaults of new calls.
type Config struct {
	// RTPPort is the first audio port; line N uses RTPPort+4*N.
	RTPPort int
}

// NewAllocator returns the allocator the registry creates calls with.
func NewAllocator(s Stack, cfg Config, logger log.Logger) ua.CallAllocator {
	if cfg.RTPPort == 0 {
		cfg.RTPPort = 10000
	}
	logger = logger.WithPrefix("call.Call")
	return func(prm *ua.CallParams) (ua.Call, error) {
		c, err := New(s, cfg, prm, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

var _ ua.Call = (*Call)(nil)

// Call is a SIP INVITE dialog; media is described but not transported.
type Call struct {
	mu        sync.Mutex
	stack     Stack
	prm       *ua.CallParams
	direction Direction
	status    Status
	callID    string
	cuser     string
	authz     auth.Authorizer

	localURI  string
	localTag  string
	peerURI   string
	peerName  string
	remoteTag string
	target    string
	routes    []string
	proto     string
	lseq      uint32

	media      *media
	remoteSDP  string
	onHold     bool
	remoteHold bool
	invite     sip.Request
	tx         ua.ServerTx
	replied    bool
	referred   bool
	cancel     context.CancelFunc
	closed     bool
	log        log.Logger
}

// New creates a call for prm. With prm.Msg set the call is incoming and
// Accept must be called next; otherwise Connect dials out.
func New(s Stack, cfg Config, prm *ua.CallParams, logger log.Logger) (*Call, error) {
	if prm == nil {
		return nil, fmt.Errorf("%w: no call parameters", ua.ErrInvalidInput)
	}

	c := &Call{
		stack:     s,
		prm:       prm,
		direction: Outgoing,
		status:    Idle,
		callID:    uuid.New().String(),
		localURI:  prm.LocalURI,
		localTag:  util.RandString(8),
		proto:     "UDP",
		lseq:      1,
	}
	if prm.UA != nil {
		c.cuser = prm.UA.Cuser()
	}
	if c.cuser == "" {
		c.cuser = "uag"
	}

	var audio, video []string
	if acc := prm.Account; acc != nil {
		audio, video = acc.AudioCodecs(), acc.VideoCodecs()
		if acc.AuthUser() != "" {
			c.authz = auth.NewClientAuthorizer(acc.AuthUser(), acc.AuthPass())
		}
	}
	c.media = newMedia(prm.LocalAddr, cfg.RTPPort+4*prm.LineNum, audio, video, prm.VideoMode == ua.VideoOn)

	if req := prm.Msg; req != nil {
		c.direction = Incoming
		if callID, ok := req.CallID(); ok {
			c.callID = string(*callID)
		}
		if from, ok := req.From(); ok && from.Address != nil {
			c.peerURI = from.Address.String()
			if from.DisplayName != nil {
				c.peerName = from.DisplayName.String()
			}
		}
	}

	c.log = logger.WithFields(log.Fields{"call_id": c.callID, "line": prm.LineNum})
	return c, nil
}

func (c *Call) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s %s %s (%s)", c.direction, c.callID, c.peerURI, c.status)
}

func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Call) Direction() Direction { return c.direction }
func (c *Call) CallID() string       { return c.callID }
func (c *Call) LocalURI() string     { return c.localURI }
func (c *Call) AF() network.Family   { return c.prm.AF }
func (c *Call) LineNum() int         { return c.prm.LineNum }

func (c *Call) PeerURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerURI
}

// PeerName returns the display name of the peer, if any.
func (c *Call) PeerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerName
}

func (c *Call) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

// RemoteHold reports whether the peer put the call on hold.
func (c *Call) RemoteHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteHold
}

func (c *Call) event(ev ua.CallEvent, text string) {
	c.log.Debugf("call event %s: %s", ev, text)
	if c.prm.Events != nil {
		c.prm.Events(c, ev, text)
	}
}

// SDP returns the local description: a fresh offer, or the answer to the
// remote offer when one was received.
func (c *Call) SDP(offer bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offer || c.remoteSDP == "" {
		return c.media.Offer(c.onHold), nil
	}
	answer, _, err := c.media.Answer(c.remoteSDP, c.onHold)
	return answer, err
}

// dialogLocked builds the next in-dialog request; c.mu must be held.
func (c *Call) dialogLocked(method sip.RequestMethod) (sip.Request, error) {
	if c.remoteTag == "" || c.target == "" {
		return nil, ErrNoDialog
	}
	c.lseq++
	return c.stack.NewRequest(&stack.Dialog{
		Method:  method,
		Target:  c.target,
		From:    c.localURI,
		FromTag: c.localTag,
		To:      c.peerURI,
		ToTag:   c.remoteTag,
		Cuser:   c.cuser,
		CallID:  c.callID,
		CSeq:    c.lseq,
		Routes:  c.routes,
	})
}

func (c *Call) send(req sip.Request, done func(sip.Response, error)) error {
	return c.stack.RequestAsync(context.Background(), req, c.authz, nil, func(res sip.Response, err error) {
		if err != nil {
			c.log.Warnf("%s failed: %v", req.Method(), err)
		} else if !res.IsSuccess() {
			c.log.Warnf("%s rejected: %d %s", req.Method(), res.StatusCode(), res.Reason())
		}
		if done != nil {
			done(res, err)
		}
	})
}

func setBody(msg sip.Message, contentType, body string) {
	msg.RemoveHeader("Content-Type")
	ct := sip.ContentType(contentType)
	msg.AppendHeader(&ct)
	msg.SetBody(body, true)
}

// contactTarget returns the URI of the first Contact of msg.
func contactTarget(msg sip.Message) string {
	hdrs := msg.GetHeaders("Contact")
	if len(hdrs) == 0 {
		return ""
	}
	if h, ok := hdrs[0].(*sip.ContactHeader); ok && h.Address != nil {
		return h.Address.String()
	}
	_, uri, _, err := utils.SplitAddress(stack.HeaderValue(msg, "Contact"))
	if err != nil {
		return ""
	}
	return uri
}

// recordRoutes returns the Record-Route entries of msg, one per hop.
func recordRoutes(msg sip.Message) []string {
	var routes []string
	for _, h := range msg.GetHeaders("Record-Route") {
		s := h.String()
		if i := strings.IndexByte(s, ':'); i >= 0 {
			s = s[i+1:]
		}
		for _, r := range splitComma(s) {
			if r = strings.TrimSpace(r); r != "" {
				routes = append(routes, r)
			}
		}
	}
	return routes
}

// splitComma splits a header list outside of angle brackets and quotes.
func splitComma(s string) []string {
	var out []string
	depth, quoted, start := 0, false, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func tagOf(params sip.Params) string {
	return utils.ParamValue(params, "tag")
}

// ResetTransport moves the media to laddr and refreshes an established
// session with a re-INVITE.
func (c *Call) ResetTransport(laddr net.IP) error {
	c.mu.Lock()
	if laddr != nil {
		c.media.addr = laddr
	}
	established := c.status.IsEstablished()
	c.mu.Unlock()

	if !established {
		return nil
	}
	return c.reinvite()
}

func (c *Call) reinvite() error {
	c.mu.Lock()
	req, err := c.dialogLocked(sip.INVITE)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	offer := c.media.Offer(c.onHold)
	c.mu.Unlock()

	setBody(req, "application/sdp", offer)
	return c.send(req, func(res sip.Response, err error) {
		if err != nil || !res.IsSuccess() {
			return
		}
		if body := res.Body(); body != "" {
			c.mu.Lock()
			c.remoteSDP = body
			c.mu.Unlock()
		}
	})
}

// Hold puts the established call on hold or resumes it.
func (c *Call) Hold(hold bool) error {
	c.mu.Lock()
	if !c.status.IsEstablished() {
		c.mu.Unlock()
		return ErrCallState
	}
	if c.onHold == hold {
		c.mu.Unlock()
		return nil
	}
	prev := c.onHold
	c.onHold = hold
	c.mu.Unlock()

	if err := c.reinvite(); err != nil {
		c.mu.Lock()
		c.onHold = prev
		c.mu.Unlock()
		return err
	}
	return nil
}

// NotifySipfrag reports the progress of a transfer we were asked for to
// the peer that sent the REFER.
func (c *Call) NotifySipfrag(code int, reason string) error {
	c.mu.Lock()
	req, err := c.dialogLocked(sip.NOTIFY)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	state := "active;expires=60"
	if code >= 200 {
		state = "terminated;reason=noresource"
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Event", Contents: "refer"})
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Subscription-State", Contents: state})
	setBody(req, "message/sipfrag;version=2.0", fmt.Sprintf("SIP/2.0 %d %s\r\n", code, reason))
	return c.send(req, nil)
}

// Transfer asks the peer to call target.
func (c *Call) Transfer(target string) error {
	c.mu.Lock()
	if !c.status.IsEstablished() {
		c.mu.Unlock()
		return ErrCallState
	}
	req, err := c.dialogLocked(sip.REFER)
	if err == nil {
		c.referred = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Refer-To", Contents: "<" + target + ">"})
	return c.send(req, func(res sip.Response, err error) {
		if err != nil {
			c.event(ua.CallTransferFailed, err.Error())
		} else if !res.IsSuccess() {
			c.event(ua.CallTransferFailed, fmt.Sprintf("%d %s", res.StatusCode(), res.Reason()))
		}
	})
}

// Hangup ends the call: an unanswered incoming call is rejected with
// code, an outgoing one is cancelled, an established one gets a BYE.
func (c *Call) Hangup(code int, reason string) {
	c.terminate(code, reason)
}

// Close releases the call, ending the dialog if still active.
func (c *Call) Close() {
	c.terminate(0, "")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Call) terminate(code int, reason string) {
	c.mu.Lock()
	status := c.status
	if status.IsEnded() || c.closed {
		c.mu.Unlock()
		return
	}
	c.status = Terminated
	cancel := c.cancel
	tx, invite, replied := c.tx, c.invite, c.replied
	c.replied = true
	var bye sip.Request
	var byeErr error
	if status.IsEstablished() {
		bye, byeErr = c.dialogLocked(sip.BYE)
	}
	c.mu.Unlock()

	switch {
	case status.IsEstablished():
		if byeErr != nil {
			c.log.Warnf("bye: %v", byeErr)
			return
		}
		c.log.Info("Terminating session.")
		if err := c.send(bye, nil); err != nil {
			c.log.Warnf("bye: %v", err)
		}
	case c.direction == Incoming && tx != nil && !replied:
		if code < 300 {
			code, reason = 486, "Rejected"
		}
		if reason == "" {
			reason = Reason(code)
		}
		c.log.Infof("Rejecting session: %d %s", code, reason)
		c.respond(invite, tx, code, reason, "")
	case cancel != nil:
		c.log.Info("Canceling session.")
		cancel()
	}
}

// HandleRequest processes an in-dialog request of this call.
func (c *Call) HandleRequest(req sip.Request, tx ua.ServerTx) bool {
	callID, ok := req.CallID()
	if !ok || string(*callID) != c.callID {
		return false
	}
	c.mu.Lock()
	remoteTag := c.remoteTag
	c.mu.Unlock()
	if from, ok := req.From(); ok && remoteTag != "" && tagOf(from.Params) != remoteTag {
		return false
	}

	switch req.Method() {
	case sip.ACK:
		c.handleAck(req)
	case sip.BYE:
		c.handleBye(req, tx)
	case sip.CANCEL:
		c.handleCancel(req, tx)
	case sip.INVITE:
		c.handleReinvite(req, tx)
	case sip.INFO:
		c.handleInfo(req, tx)
	case sip.REFER:
		c.handleRefer(req, tx)
	case sip.NOTIFY:
		c.handleNotify(req, tx)
	default:
		c.respond(req, tx, 405, "Method Not Allowed", "")
	}
	return true
}

func (c *Call) respond(req sip.Request, tx ua.ServerTx, code int, reason, body string, hdrs ...sip.Header) {
	if tx == nil || req == nil {
		return
	}
	res := sip.NewResponseFromRequest("", req, sip.StatusCode(code), reason, "")
	if to, ok := res.To(); ok && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if !to.Params.Has("tag") {
			to.Params.Add("tag", sip.String{Str: c.localTag})
		}
	}
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	if body != "" {
		setBody(res, "application/sdp", body)
	}
	if err := tx.Respond(res); err != nil {
		c.log.Warnf("respond %d %s: %v", code, reason, err)
	}
}

func (c *Call) contactHeader() sip.Header {
	return &sip.GenericHeader{
		HeaderName: "Contact",
		Contents:   "<" + c.stack.ContactURI(c.cuser, c.proto) + ">",
	}
}
