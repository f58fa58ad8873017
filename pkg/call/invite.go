package call

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/stack"
	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
)

// Connect sends the INVITE to target.
func (c *Call) Connect(target string) error {
	if strings.ContainsAny(target, "<\"") {
		_, uri, _, err := utils.SplitAddress(target)
		if err != nil {
			return fmt.Errorf("%w: %v", ua.ErrInvalidInput, err)
		}
		target = uri
	}

	c.mu.Lock()
	if c.direction != Outgoing || c.status != Idle {
		c.mu.Unlock()
		return ErrCallState
	}
	outbound := ""
	if acc := c.prm.Account; acc != nil {
		outbound = acc.Outbound(0)
	}
	req, err := c.stack.NewRequest(&stack.Dialog{
		Method:      sip.INVITE,
		Target:      target,
		From:        c.localURI,
		DisplayName: c.prm.DisplayName,
		FromTag:     c.localTag,
		To:          target,
		Cuser:       c.cuser,
		CallID:      c.callID,
		CSeq:        c.lseq,
		Outbound:    outbound,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.peerURI = target
	c.proto = stack.TransportOf(req.Recipient())
	setBody(req, "application/sdp", c.media.Offer(c.onHold))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.invite = req
	c.status = InviteSent
	c.mu.Unlock()

	c.log.Infof("Connecting to %s", target)
	err = c.stack.RequestAsync(ctx, req, c.authz, c.onProvisional, c.onFinal)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.status = Failure
		c.cancel = nil
		c.mu.Unlock()
	}
	return err
}

func (c *Call) onProvisional(res sip.Response) {
	code := int(res.StatusCode())
	if code == 100 {
		return
	}

	c.mu.Lock()
	if c.status.IsEnded() {
		c.mu.Unlock()
		return
	}
	c.status = Provisional
	if body := res.Body(); body != "" {
		c.status = EarlyMedia
		c.remoteSDP = body
	}
	c.mu.Unlock()

	if code == 183 {
		c.event(ua.CallProgress, res.Reason())
	} else {
		c.event(ua.CallRinging, res.Reason())
	}
	c.notifyXcall(code, res.Reason())
}

func (c *Call) onFinal(res sip.Response, err error) {
	code, reason := 0, ""
	switch {
	case res != nil:
		code, reason = int(res.StatusCode()), res.Reason()
	case err != nil:
		var reqErr *sip.RequestError
		if errors.As(err, &reqErr) {
			code, reason = int(reqErr.Code), reqErr.Reason
		} else {
			code, reason = 408, err.Error()
		}
	}

	c.mu.Lock()
	hungUp := c.status.IsEnded()
	c.cancel = nil
	if res == nil || !res.IsSuccess() {
		if !hungUp {
			c.status = Failure
		}
		c.mu.Unlock()

		if !hungUp {
			c.log.Infof("Call failed: %d %s", code, reason)
			c.event(ua.CallClosed, fmt.Sprintf("%d %s", code, reason))
		}
		c.notifyXcall(code, reason)
		return
	}

	if to, ok := res.To(); ok {
		c.remoteTag = tagOf(to.Params)
	}
	c.target = contactTarget(res)
	if c.target == "" {
		c.target = c.peerURI
	}
	routes := recordRoutes(res)
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
	c.routes = routes
	if body := res.Body(); body != "" {
		c.remoteSDP = body
		c.remoteHold = isHold(RemoteMode(body))
	}
	if cseq, ok := res.CSeq(); ok && cseq.SeqNo > c.lseq {
		c.lseq = cseq.SeqNo
	}
	var bye sip.Request
	if hungUp {
		bye, _ = c.dialogLocked(sip.BYE)
	} else {
		c.status = Confirmed
	}
	c.mu.Unlock()

	if bye != nil {
		c.log.Info("Answered after hangup, terminating session.")
		_ = c.send(bye, nil)
		return
	}
	c.log.Infof("Call established with %s", c.PeerURI())
	c.event(ua.CallEstablished, "")
	c.notifyXcall(code, reason)
}

func (c *Call) notifyXcall(code int, reason string) {
	if c.prm.Xcall == nil || code < 101 {
		return
	}
	if err := c.prm.Xcall.NotifySipfrag(code, reason); err != nil {
		c.log.Debugf("transfer notify: %v", err)
	}
}

func isHold(mode string) bool {
	return mode == "sendonly" || mode == "inactive"
}

// Accept takes over the incoming INVITE req, sends 180 Ringing and reports
// the call as incoming.
func (c *Call) Accept(req sip.Request, tx ua.ServerTx) error {
	if req == nil || tx == nil || !req.IsInvite() {
		return fmt.Errorf("%w: not an INVITE transaction", ua.ErrInvalidInput)
	}

	c.mu.Lock()
	if c.direction != Incoming || c.status != Idle {
		c.mu.Unlock()
		return ErrCallState
	}
	c.invite = req
	c.tx = tx
	c.status = InviteReceived
	if from, ok := req.From(); ok {
		c.remoteTag = tagOf(from.Params)
	}
	if to, ok := req.To(); ok && to.Address != nil {
		c.localURI = to.Address.String()
	}
	if via, ok := req.ViaHop(); ok {
		c.proto = strings.ToUpper(via.Transport)
	}
	c.target = contactTarget(req)
	if c.target == "" {
		c.target = c.peerURI
	}
	c.routes = recordRoutes(req)
	if body := req.Body(); body != "" {
		if !strings.Contains(stack.HeaderValue(req, "Content-Type"), "application/sdp") {
			c.mu.Unlock()
			c.respond(req, tx, 415, "Unsupported Media Type", "")
			return ErrInvalidBody
		}
		c.remoteSDP = body
		c.remoteHold = isHold(RemoteMode(body))
	}
	c.mu.Unlock()

	if st, ok := tx.(sip.ServerTransaction); ok {
		go c.watchCancel(st)
	}

	c.respond(req, tx, 180, "Ringing", "", c.contactHeader())
	c.mu.Lock()
	if c.status == InviteReceived {
		c.status = Provisional
	}
	c.mu.Unlock()

	c.log.Infof("Incoming call from %s", c.PeerURI())
	c.event(ua.CallIncoming, c.PeerURI())
	return nil
}

func (c *Call) watchCancel(st sip.ServerTransaction) {
	select {
	case cancel, ok := <-st.Cancels():
		if ok && cancel != nil {
			c.cancelled(cancel, st)
		}
	case <-st.Done():
	}
}

// cancelled answers a CANCEL of the unanswered INVITE.
func (c *Call) cancelled(cancel sip.Request, tx ua.ServerTx) {
	c.respond(cancel, tx, 200, "OK", "")

	c.mu.Lock()
	if c.replied || c.status.IsEnded() {
		c.mu.Unlock()
		return
	}
	c.replied = true
	c.status = Terminated
	invite, itx := c.invite, c.tx
	c.mu.Unlock()

	c.respond(invite, itx, 487, "Request Terminated", "")
	c.log.Info("Call cancelled by peer.")
	c.event(ua.CallClosed, "Request Terminated")
}

// Answer accepts the incoming call with code, 200 when zero.
func (c *Call) Answer(code int) error {
	if code == 0 {
		code = 200
	}

	c.mu.Lock()
	if c.direction != Incoming || c.replied || !c.status.IsInProgress() {
		c.mu.Unlock()
		return ErrCallState
	}
	body, err := c.localAnswerLocked()
	if err != nil {
		c.replied = true
		c.status = Failure
		invite, tx := c.invite, c.tx
		c.mu.Unlock()

		c.respond(invite, tx, 488, "Not Acceptable Here", "")
		c.event(ua.CallClosed, "488 Not Acceptable Here")
		return err
	}
	c.replied = true
	c.status = WaitingForACK
	invite, tx := c.invite, c.tx
	c.mu.Unlock()

	c.log.Infof("Answering call from %s with %d", c.PeerURI(), code)
	c.respond(invite, tx, code, Reason(code), body, c.contactHeader())
	c.event(ua.CallEstablished, "")
	return nil
}

// Progress sends 183 Session Progress with the local description.
func (c *Call) Progress() error {
	c.mu.Lock()
	if c.direction != Incoming || c.replied || !c.status.IsInProgress() {
		c.mu.Unlock()
		return ErrCallState
	}
	body, err := c.localAnswerLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.status = EarlyMedia
	invite, tx := c.invite, c.tx
	c.mu.Unlock()

	c.respond(invite, tx, 183, "Session Progress", body, c.contactHeader())
	return nil
}

// localAnswerLocked answers the remote offer or, for an INVITE without
// one, makes the offer.
func (c *Call) localAnswerLocked() (string, error) {
	if c.remoteSDP == "" {
		return c.media.Offer(c.onHold), nil
	}
	answer, remoteHold, err := c.media.Answer(c.remoteSDP, c.onHold)
	if err != nil {
		return "", err
	}
	c.remoteHold = remoteHold
	return answer, nil
}
