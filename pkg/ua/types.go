package ua

import (
	"context"
	"net"

	"github.com/cloudwebrtc/go-sip-uag/pkg/account"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/ghettovoice/gosip/sip"
)

// ServerTx is the part of a server transaction used to reply to a request.
type ServerTx interface {
	Respond(res sip.Response) error
}

// RequestHandler is a callback that will be called on the incoming request
// of the certain method. tx can be nil for 2xx ACK request.
type RequestHandler func(req sip.Request, tx ServerTx)

// TLSConfig is the TLS context shared by all TLS transports.
type TLSConfig struct {
	Cert string
	Key  string
}

// RegisterRequest describes one REGISTER sent by a Register client.
type RegisterRequest struct {
	// RegURI is the request URI, the AOR without user and password.
	RegURI      string
	AOR         string
	DisplayName string
	Cuser       string
	// Params are appended to the Contact header, e.g. +sip.instance.
	Params   string
	Expires  uint32
	Outbound string
	AuthUser string
	AuthPass string
	CallID   string
	CSeq     uint32
	AF       network.Family
}

// OptionsRequest describes an OPTIONS request sent to a peer.
type OptionsRequest struct {
	URI         string
	AOR         string
	DisplayName string
	Cuser       string
	Outbound    string
	AuthUser    string
	AuthPass    string
}

// Result is the final outcome of a client transaction.
type Result struct {
	StatusCode int
	Reason     string
	// Expires is the granted registration interval.
	Expires uint32
	PubGruu string
	Server  string
	Body    string
	// CSeq is the sequence number of the answered request, which is
	// higher than the one asked for after an authentication round.
	CSeq uint32
	Err  error
}

// ResultHandler receives the final response of a request.
type ResultHandler func(res *Result)

// Stack is the SIP transport/transaction layer shared by all user agents.
type Stack interface {
	AddTransport(proto string, laddr string, tls *TLSConfig) error
	FlushTransports()
	OnRequest(method sip.RequestMethod, h RequestHandler)
	SetExitHandler(h func())
	Register(ctx context.Context, req *RegisterRequest, h ResultHandler) error
	Options(ctx context.Context, req *OptionsRequest, h ResultHandler) error
	// Close stops the stack; when forced is false pending transactions are
	// allowed to finish. The exit handler runs once everything is done.
	Close(forced bool)
}

// Blocklist tells whether a peer must not reach us.
type Blocklist interface {
	BlockAccess(peer string) bool
}

// VideoMode selects whether a call offers video.
type VideoMode int

const (
	VideoOff VideoMode = iota
	VideoOn
)

// CallEvent is reported by a Call to its owning user agent.
type CallEvent int

const (
	CallIncoming CallEvent = iota
	CallRinging
	CallProgress
	CallEstablished
	CallClosed
	CallTransfer
	CallTransferFailed
)

func (ev CallEvent) String() string {
	switch ev {
	case CallIncoming:
		return "INCOMING"
	case CallRinging:
		return "RINGING"
	case CallProgress:
		return "PROGRESS"
	case CallEstablished:
		return "ESTABLISHED"
	case CallClosed:
		return "CLOSED"
	case CallTransfer:
		return "TRANSFER"
	case CallTransferFailed:
		return "TRANSFER_FAILED"
	}
	return "?"
}

// CallEventHandler receives call state changes. For CallTransfer text is
// the transfer target.
type CallEventHandler func(call Call, ev CallEvent, text string)

// DTMFHandler receives DTMF keys; key 0 marks the end of a key press.
type DTMFHandler func(call Call, key rune)

// Call is one SIP dialog owned by a user agent.
type Call interface {
	Connect(target string) error
	Accept(req sip.Request, tx ServerTx) error
	Answer(code int) error
	Progress() error
	Hangup(code int, reason string)
	Hold(hold bool) error
	IsOnHold() bool
	NotifySipfrag(code int, reason string) error
	ResetTransport(laddr net.IP) error
	// SDP returns the local session description, an offer when offer is true.
	SDP(offer bool) (string, error)
	// HandleRequest processes an in-dialog request, false if the request
	// does not belong to this call.
	HandleRequest(req sip.Request, tx ServerTx) bool
	PeerURI() string
	LocalURI() string
	CallID() string
	AF() network.Family
	LineNum() int
	// Close releases the call, ending the dialog if still active.
	Close()
}

// CallParams are handed to the CallAllocator.
type CallParams struct {
	UA          *UserAgent
	Account     *account.Account
	DisplayName string
	LocalURI    string
	LocalAddr   net.IP
	AF          network.Family
	VideoMode   VideoMode
	LineNum     int
	// Msg is the incoming INVITE, nil for outgoing calls.
	Msg sip.Request
	// Xcall is the call being transferred, if any.
	Xcall  Call
	Events CallEventHandler
	DTMF   DTMFHandler
}

// CallAllocator creates calls for user agents.
type CallAllocator func(prm *CallParams) (Call, error)

// SubscribeHandler receives SUBSCRIBE requests routed to a user agent.
type SubscribeHandler func(ua *UserAgent, req sip.Request, tx ServerTx)

// MessageHandler receives MESSAGE requests routed to a user agent.
type MessageHandler func(ua *UserAgent, req sip.Request, tx ServerTx)
