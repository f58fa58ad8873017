package ua

import (
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
)

// AllowedMethods are the request methods accepted by every user agent.
const AllowedMethods = "INVITE,ACK,BYE,CANCEL,OPTIONS,REFER,NOTIFY,SUBSCRIBE,INFO,MESSAGE"

func (uag *Registry) reply(req sip.Request, tx ServerTx, code sip.StatusCode, reason string, hdrs ...sip.Header) {
	res := sip.NewResponseFromRequest("", req, code, reason, "")
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	uag.respond(req, tx, res)
}

func (uag *Registry) respond(req sip.Request, tx ServerTx, res sip.Response) {
	if tx == nil {
		uag.log.Warnf("no transaction to reply %d to %s", res.StatusCode(), req.Method())
		return
	}
	if err := tx.Respond(res); err != nil {
		uag.log.Warnf("reply %d to %s: %v", res.StatusCode(), req.Method(), err)
	}
}

// requestUser returns the user part of the request URI.
func requestUser(req sip.Request) string {
	uri, ok := req.Recipient().(*sip.SipUri)
	if !ok || uri.User() == nil {
		return ""
	}
	return uri.User().String()
}

// findRequestUA routes an incoming request to the user agent owning the
// request URI user.
func (uag *Registry) findRequestUA(req sip.Request) *UserAgent {
	return uag.Find(requestUser(req))
}

// requireTags collects the option tags of all Require headers.
func requireTags(req sip.Request) []string {
	var tags []string
	for _, h := range req.GetHeaders("Require") {
		var list string
		switch hdr := h.(type) {
		case *sip.RequireHeader:
			tags = append(tags, hdr.Options...)
			continue
		case *sip.GenericHeader:
			list = hdr.Contents
		default:
			list = h.String()
			if i := strings.IndexByte(list, ':'); i >= 0 {
				list = list[i+1:]
			}
		}
		for _, tag := range strings.Split(list, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func inDialog(req sip.Request) bool {
	to, ok := req.To()
	if !ok || to.Params == nil {
		return false
	}
	return to.Params.Has("tag")
}

func (uag *Registry) handleInvite(req sip.Request, tx ServerTx) {
	if inDialog(req) {
		uag.handleInDialog(req, tx)
		return
	}

	logger := uag.log.WithFields(log.Fields{"method": req.Method(), "user": requestUser(req)})

	ua := uag.findRequestUA(req)
	if ua == nil {
		logger.Warnf("%s: UA not found: %s", req.Source(), requestUser(req))
		uag.reply(req, tx, 404, "Not Found")
		return
	}

	if max := uag.cfg.Call.MaxCalls; max > 0 && ua.CallCount()+1 > max {
		logger.Infof("rejected call from %s (maximum %d calls)", req.Source(), max)
		uag.reply(req, tx, 486, "Max Calls")
		return
	}

	for _, tag := range requireTags(req) {
		if !ua.SupportsExtension(tag) {
			logger.Warnf("extension %q not supported", tag)
			uag.reply(req, tx, 420, "Bad Extension",
				&sip.GenericHeader{HeaderName: "Unsupported", Contents: tag})
			return
		}
	}

	toURI := ""
	if to, ok := req.To(); ok && to.Address != nil {
		toURI = to.Address.String()
	}

	call, err := ua.callAlloc(req, VideoOn, nil, toURI, true)
	if err != nil {
		logger.Warnf("call alloc failed: %v", err)
		uag.reply(req, tx, 500, "Call Error")
		return
	}

	if err := call.Accept(req, tx); err != nil {
		logger.Warnf("call accept failed: %v", err)
		ua.releaseCall(call)
		uag.reply(req, tx, 500, "Call Error")
	}
}

func (uag *Registry) handleOptions(req sip.Request, tx ServerTx) {
	ua := uag.findRequestUA(req)
	if ua == nil {
		uag.reply(req, tx, 404, "Not Found")
		return
	}

	call, err := ua.callAlloc(nil, VideoOn, nil, "", false)
	if err != nil {
		ua.log.Warnf("options: %v", err)
		uag.reply(req, tx, 500, "Call Error")
		return
	}
	defer call.Close()

	sdp, err := call.SDP(true)
	if err != nil {
		ua.log.Warnf("options: sdp: %v", err)
		uag.reply(req, tx, 500, "Call Error")
		return
	}

	res := sip.NewResponseFromRequest("", req, 200, "OK", sdp)
	res.AppendHeader(&sip.GenericHeader{HeaderName: "Allow", Contents: AllowedMethods})
	if exts := ua.Extensions(); len(exts) > 0 {
		res.AppendHeader(&sip.SupportedHeader{Options: exts})
	}
	res.AppendHeader(&sip.GenericHeader{
		HeaderName: "Contact",
		Contents:   fmt.Sprintf("<sip:%s@%s>", ua.Cuser(), uag.contactHost(req, call.AF())),
	})
	contentType := sip.ContentType("application/sdp")
	res.AppendHeader(&contentType)

	uag.respond(req, tx, res)
}

// contactHost is the local address the request was received on.
func (uag *Registry) contactHost(req sip.Request, af network.Family) string {
	if dst := req.Destination(); dst != "" {
		return dst
	}
	if ip := uag.localAddr(af); ip != nil {
		if af == network.IPv6 {
			return "[" + ip.String() + "]"
		}
		return ip.String()
	}
	return "localhost"
}

func (uag *Registry) handleSubscribe(req sip.Request, tx ServerTx) {
	if inDialog(req) {
		uag.handleInDialog(req, tx)
		return
	}

	ua := uag.findRequestUA(req)
	if ua == nil {
		uag.log.Warnf("subscribe: UA not found: %s", requestUser(req))
		uag.reply(req, tx, 404, "Not Found")
		return
	}

	uag.mu.Lock()
	subh := uag.subh
	uag.mu.Unlock()
	if subh == nil {
		uag.reply(req, tx, 489, "Bad Event")
		return
	}
	subh(ua, req, tx)
}

func (uag *Registry) handleMessage(req sip.Request, tx ServerTx) {
	if uag.routeInDialog(req, tx) {
		return
	}

	ua := uag.findRequestUA(req)
	if ua == nil {
		uag.reply(req, tx, 404, "Not Found")
		return
	}
	if uag.msgh == nil {
		uag.reply(req, tx, 405, "Method Not Allowed",
			&sip.GenericHeader{HeaderName: "Allow", Contents: AllowedMethods})
		return
	}
	uag.msgh(ua, req, tx)
}

// routeInDialog hands the request to the call owning its Call-ID.
func (uag *Registry) routeInDialog(req sip.Request, tx ServerTx) bool {
	callID, ok := req.CallID()
	if !ok {
		return false
	}
	for _, ua := range uag.List() {
		if call := ua.FindCall(string(*callID)); call != nil {
			if call.HandleRequest(req, tx) {
				return true
			}
		}
	}
	return false
}

func (uag *Registry) handleInDialog(req sip.Request, tx ServerTx) {
	if uag.routeInDialog(req, tx) {
		return
	}
	if req.IsAck() {
		return
	}
	uag.log.Debugf("%s %s: no matching call", req.Method(), req.Recipient())
	uag.reply(req, tx, 481, "Call/Transaction Does Not Exist")
}
