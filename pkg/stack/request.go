package stack

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/auth"
	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
)

// Dialog carries what is needed to build a request outside of a dialog.
type Dialog struct {
	Method      sip.RequestMethod
	Target      string
	From        string
	DisplayName string
	FromTag     string
	To          string
	ToTag       string
	Cuser       string
	CallID      string
	CSeq        uint32
	// Outbound is a proxy URI the request is routed through.
	Outbound string
	// Routes is the route set of an established dialog; it takes
	// precedence over Outbound.
	Routes []string
	// ContactParams are appended to the Contact header.
	ContactParams string
}

// TransportOf returns the transport named by the uri transport parameter,
// UDP by default.
func TransportOf(uri sip.Uri) string {
	if uri != nil && uri.UriParams() != nil {
		if nt, ok := uri.UriParams().Get("transport"); ok && nt != nil {
			return strings.ToUpper(nt.String())
		}
	}
	if u, ok := uri.(*sip.SipUri); ok && u.IsEncrypted() {
		return "TLS"
	}
	return "UDP"
}

func (s *SipStack) viaHop(proto string) *sip.ViaHop {
	host, port := s.LocalAddr(proto)
	return &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       proto,
		Host:            host,
		Port:            &port,
		Params:          sip.NewParams().Add("branch", sip.String{Str: sip.GenerateBranch()}),
	}
}

// ContactURI is the local contact of cuser for proto.
func (s *SipStack) ContactURI(cuser, proto string) string {
	host, port := s.LocalAddr(proto)
	uri := "sip:" + cuser + "@" + utils.JoinHostPort(host, uint16(port))
	if proto != "" && proto != "UDP" {
		uri += ";transport=" + strings.ToLower(proto)
	}
	return uri
}

// NewRequest builds an out-of-dialog request, or an in-dialog one when the
// To tag is set.
func (s *SipStack) NewRequest(d *Dialog) (sip.Request, error) {
	recipient, err := parser.ParseUri(d.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", d.Target, err)
	}
	from, err := parser.ParseUri(d.From)
	if err != nil {
		return nil, fmt.Errorf("parse from %q: %w", d.From, err)
	}
	to, err := parser.ParseUri(d.To)
	if err != nil {
		return nil, fmt.Errorf("parse to %q: %w", d.To, err)
	}
	proto := TransportOf(recipient)

	fromTag := d.FromTag
	if fromTag == "" {
		fromTag = util.RandString(8)
	}
	toParams := sip.NewParams()
	if d.ToTag != "" {
		toParams.Add("tag", sip.String{Str: d.ToTag})
	}
	var displayName sip.MaybeString
	if d.DisplayName != "" {
		displayName = sip.String{Str: d.DisplayName}
	}
	callID := sip.CallID(d.CallID)
	if d.CallID == "" {
		callID = sip.CallID(util.RandString(16))
	}
	cseq := d.CSeq
	if cseq == 0 {
		cseq = 1
	}
	maxForwards := sip.MaxForwards(70)

	headers := []sip.Header{
		sip.ViaHeader{s.viaHop(proto)},
		&sip.FromHeader{
			DisplayName: displayName,
			Address:     from,
			Params:      sip.NewParams().Add("tag", sip.String{Str: fromTag}),
		},
		&sip.ToHeader{
			Address: to,
			Params:  toParams,
		},
		&callID,
		&sip.CSeq{SeqNo: cseq, MethodName: d.Method},
		&maxForwards,
	}
	if d.Cuser != "" {
		headers = append(headers, &sip.GenericHeader{
			HeaderName: "Contact",
			Contents:   "<" + s.ContactURI(d.Cuser, proto) + ">" + d.ContactParams,
		})
	}

	req := sip.NewRequest("", d.Method, recipient, "SIP/2.0", headers, "", nil)

	switch {
	case len(d.Routes) > 0:
		if err := routeVia(req, d.Routes, false); err != nil {
			return nil, err
		}
	case d.Outbound != "":
		if err := routeVia(req, []string{d.Outbound}, true); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// routeVia adds the Route headers of routes to req and sends it to the
// first one. Outbound proxies get the lr parameter appended.
func routeVia(req sip.Request, routes []string, loose bool) error {
	for i, route := range routes {
		_, raw, params, err := utils.SplitAddress(route)
		if err != nil {
			return fmt.Errorf("route %q: %w", route, err)
		}
		uri, err := parser.ParseSipUri(raw)
		if err != nil {
			return fmt.Errorf("route %q: %w", route, err)
		}
		contents := "<" + raw
		if loose && !strings.Contains(raw, ";lr") {
			contents += ";lr"
		}
		contents += ">"
		if params != "" {
			contents += ";" + params
		}
		req.AppendHeader(&sip.GenericHeader{HeaderName: "Route", Contents: contents})

		if i == 0 {
			port := sip.DefaultPort(TransportOf(&uri))
			if uri.FPort != nil {
				port = *uri.FPort
			}
			req.SetDestination(utils.JoinHostPort(uri.FHost, uint16(port)))
		}
	}
	return nil
}

// RequestWithContext sends request and waits for its final response.
// Final responses are returned without error whatever their status; 401
// and 407 are answered once through authorizer. provisional, if set, gets
// every 1xx response.
func (s *SipStack) RequestWithContext(ctx context.Context, request sip.Request, authorizer auth.Authorizer, provisional func(sip.Response)) (sip.Response, error) {
	tx, err := s.Request(sip.CopyRequest(request))
	if err != nil {
		return nil, err
	}
	return s.waitResponse(ctx, request, tx, authorizer, provisional)
}

// RequestAsync sends request and reports the outcome of RequestWithContext
// to done from another goroutine. Errors sending the request are returned.
func (s *SipStack) RequestAsync(ctx context.Context, request sip.Request, authorizer auth.Authorizer,
	provisional func(sip.Response), done func(sip.Response, error)) error {
	tx, err := s.Request(sip.CopyRequest(request))
	if err != nil {
		return err
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		res, err := s.waitResponse(ctx, request, tx, authorizer, provisional)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (s *SipStack) waitResponse(ctx context.Context, request sip.Request, tx sip.ClientTransaction,
	authorizer auth.Authorizer, provisional func(sip.Response)) (sip.Response, error) {
	var lastResponse sip.Response

	for {
		select {
		case <-ctx.Done():
			if lastResponse != nil && lastResponse.IsProvisional() && request.IsInvite() {
				s.CancelRequest(request, lastResponse)
			}
			// pull out later possible transaction responses and errors
			go func() {
				for {
					select {
					case <-tx.Done():
						return
					case <-tx.Errors():
					case <-tx.Responses():
					}
				}
			}()
			return nil, sip.NewRequestError(487, "Request Terminated", request, lastResponse)
		case err, ok := <-tx.Errors():
			if !ok {
				return nil, sip.NewRequestError(487, "Request Terminated", request, lastResponse)
			}
			return nil, err
		case response, ok := <-tx.Responses():
			if !ok {
				return nil, sip.NewRequestError(487, "Request Terminated", request, lastResponse)
			}

			response = sip.CopyResponse(response)
			lastResponse = response

			if response.IsProvisional() {
				if provisional != nil {
					provisional(response)
				}
				continue
			}

			// success
			if response.IsSuccess() {
				if request.IsInvite() {
					s.AckInviteRequest(request, response)
					s.RememberInviteRequest(request)
					go func() {
						for response := range tx.Responses() {
							s.AckInviteRequest(request, response)
						}
					}()
				}
				return response, nil
			}

			// unauth request
			if (response.StatusCode() == 401 || response.StatusCode() == 407) && authorizer != nil {
				if err := authorizer.AuthorizeRequest(request, response); err != nil {
					return nil, err
				}
				return s.RequestWithContext(ctx, request, nil, provisional)
			}

			return response, nil
		}
	}
}

func newAuthorizer(user, pass string) auth.Authorizer {
	if user == "" {
		return nil
	}
	return auth.NewClientAuthorizer(user, pass)
}

// Register sends one REGISTER described by r; h gets the outcome.
func (s *SipStack) Register(ctx context.Context, r *ua.RegisterRequest, h ua.ResultHandler) error {
	req, err := s.NewRequest(&Dialog{
		Method:        sip.REGISTER,
		Target:        r.RegURI,
		From:          r.AOR,
		DisplayName:   r.DisplayName,
		To:            r.AOR,
		Cuser:         r.Cuser,
		CallID:        r.CallID,
		CSeq:          r.CSeq,
		Outbound:      r.Outbound,
		ContactParams: r.Params,
	})
	if err != nil {
		return err
	}
	expires := sip.Expires(r.Expires)
	req.AppendHeader(&expires)

	return s.RequestAsync(ctx, req, newAuthorizer(r.AuthUser, r.AuthPass), nil, func(res sip.Response, err error) {
		h(RegisterResult(res, err, r.Cuser))
	})
}

// Options sends OPTIONS to r.URI; h gets the outcome.
func (s *SipStack) Options(ctx context.Context, r *ua.OptionsRequest, h ua.ResultHandler) error {
	req, err := s.NewRequest(&Dialog{
		Method:      sip.OPTIONS,
		Target:      r.URI,
		From:        r.AOR,
		DisplayName: r.DisplayName,
		To:          r.URI,
		Cuser:       r.Cuser,
		Outbound:    r.Outbound,
	})
	if err != nil {
		return err
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Accept", Contents: "application/sdp"})

	return s.RequestAsync(ctx, req, newAuthorizer(r.AuthUser, r.AuthPass), nil, func(res sip.Response, err error) {
		if h != nil {
			h(ResponseResult(res, err))
		}
	})
}

// HeaderValue returns the value of the first name header of msg.
func HeaderValue(msg sip.Message, name string) string {
	hdrs := msg.GetHeaders(name)
	if len(hdrs) == 0 {
		return ""
	}
	return headerContents(hdrs[0])
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

// ResponseResult maps the outcome of a client transaction.
func ResponseResult(res sip.Response, err error) *ua.Result {
	if res == nil {
		if err == nil {
			err = fmt.Errorf("no response")
		}
		return &ua.Result{Err: err}
	}
	out := &ua.Result{
		StatusCode: int(res.StatusCode()),
		Reason:     res.Reason(),
		Server:     HeaderValue(res, "Server"),
		Body:       res.Body(),
		Err:        err,
	}
	if cseq, ok := res.CSeq(); ok {
		out.CSeq = cseq.SeqNo
	}
	return out
}

// RegisterResult maps a REGISTER outcome; the granted interval comes from
// the Contact of cuser, else from the Expires header.
func RegisterResult(res sip.Response, err error, cuser string) *ua.Result {
	out := ResponseResult(res, err)
	if res == nil || !res.IsSuccess() {
		return out
	}

	found := false
	for _, hdr := range res.GetHeaders("Contact") {
		var params sip.Params
		var user string
		switch h := hdr.(type) {
		case *sip.ContactHeader:
			params = h.Params
			if u, ok := h.Address.(*sip.SipUri); ok && u.FUser != nil {
				user = u.FUser.String()
			}
		default:
			_, raw, rest, err := utils.SplitAddress(headerContents(hdr))
			if err != nil {
				continue
			}
			if uri, err := parser.ParseSipUri(raw); err == nil && uri.FUser != nil {
				user = uri.FUser.String()
			}
			params, _ = utils.ParseParams(rest)
		}
		if user != cuser {
			continue
		}
		found = true
		if v := utils.ParamValue(params, "expires"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				out.Expires = uint32(n)
			}
		}
		out.PubGruu = strings.Trim(utils.ParamValue(params, "pub-gruu"), `"`)
		break
	}

	if !found || out.Expires == 0 {
		for _, hdr := range res.GetHeaders("Expires") {
			if e, ok := hdr.(*sip.Expires); ok {
				out.Expires = uint32(*e)
				break
			}
		}
	}
	return out
}
