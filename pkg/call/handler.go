package call

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/stack"
	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
)

func (c *Call) handleAck(req sip.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == WaitingForACK {
		c.status = Confirmed
	}
	if body := req.Body(); body != "" {
		c.remoteSDP = body
		c.remoteHold = isHold(RemoteMode(body))
	}
}

func (c *Call) handleBye(req sip.Request, tx ua.ServerTx) {
	c.respond(req, tx, 200, "OK", "")

	c.mu.Lock()
	if c.status.IsEnded() {
		c.mu.Unlock()
		return
	}
	c.status = Terminated
	c.replied = true
	c.mu.Unlock()

	c.log.Info("Call closed by peer.")
	c.event(ua.CallClosed, "Connection reset by peer")
}

func (c *Call) handleCancel(req sip.Request, tx ua.ServerTx) {
	c.mu.Lock()
	incoming := c.direction == Incoming && !c.replied
	c.mu.Unlock()
	if !incoming {
		c.respond(req, tx, 481, "Call/Transaction Does Not Exist", "")
		return
	}
	c.cancelled(req, tx)
}

func (c *Call) handleReinvite(req sip.Request, tx ua.ServerTx) {
	c.mu.Lock()
	if !c.status.IsEstablished() {
		c.mu.Unlock()
		c.respond(req, tx, 491, "Request Pending", "")
		return
	}
	answer := ""
	if body := req.Body(); body != "" {
		var (
			remoteHold bool
			err        error
		)
		answer, remoteHold, err = c.media.Answer(body, c.onHold)
		if err != nil {
			c.mu.Unlock()
			c.log.Warnf("re-INVITE: %v", err)
			c.respond(req, tx, 488, "Not Acceptable Here", "")
			return
		}
		c.remoteSDP = body
		c.remoteHold = remoteHold
	} else {
		answer = c.media.Offer(c.onHold)
	}
	if target := contactTarget(req); target != "" {
		c.target = target
	}
	c.status = WaitingForACK
	remoteHold := c.remoteHold
	c.mu.Unlock()

	c.log.Infof("Session modified by peer (hold=%v)", remoteHold)
	c.respond(req, tx, 200, "OK", answer, c.contactHeader())
}

func (c *Call) handleInfo(req sip.Request, tx ua.ServerTx) {
	if !strings.Contains(stack.HeaderValue(req, "Content-Type"), "application/dtmf-relay") {
		c.respond(req, tx, 488, "Not Acceptable Here", "")
		return
	}
	key, ok := ParseDTMF(req.Body())
	if !ok {
		c.respond(req, tx, 400, "Bad Request", "")
		return
	}
	c.respond(req, tx, 200, "OK", "")

	if c.prm.DTMF != nil {
		c.prm.DTMF(c, key)
		c.prm.DTMF(c, 0)
	}
}

func (c *Call) handleRefer(req sip.Request, tx ua.ServerTx) {
	referTo := stack.HeaderValue(req, "Refer-To")
	if referTo == "" {
		referTo = stack.HeaderValue(req, "r")
	}
	_, target, _, err := utils.SplitAddress(referTo)
	if referTo == "" || err != nil {
		c.respond(req, tx, 400, "Missing Refer-To header", "")
		return
	}
	c.respond(req, tx, 202, "Accepted", "")

	c.log.Infof("Call transfer to %s", target)
	c.event(ua.CallTransfer, target)
}

func (c *Call) handleNotify(req sip.Request, tx ua.ServerTx) {
	event := strings.TrimSpace(strings.SplitN(stack.HeaderValue(req, "Event"), ";", 2)[0])
	if !strings.EqualFold(event, "refer") {
		c.respond(req, tx, 489, "Bad Event", "")
		return
	}
	c.respond(req, tx, 200, "OK", "")

	c.mu.Lock()
	referred := c.referred
	c.mu.Unlock()
	if !referred {
		return
	}

	code, reason, ok := ParseSipfrag(req.Body())
	switch {
	case !ok || code < 200:
	case code >= 300:
		c.mu.Lock()
		c.referred = false
		c.mu.Unlock()
		c.event(ua.CallTransferFailed, fmt.Sprintf("%d %s", code, reason))
	default:
		c.mu.Lock()
		c.referred = false
		c.mu.Unlock()
		c.log.Info("Call transferred, terminating session.")
		c.Hangup(0, "")
		c.event(ua.CallClosed, "Call transferred")
	}
}

// ParseSipfrag reads the status line of a message/sipfrag body.
func ParseSipfrag(body string) (int, string, bool) {
	line := strings.TrimSpace(strings.SplitN(body, "\n", 2)[0])
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0, "", false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, true
}
