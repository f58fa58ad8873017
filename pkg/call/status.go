package call

// ReasonPhrase .
var ReasonPhrase = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted", // RFC 3265
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	503: "Service Unavailable",
	603: "Decline",
}

// Reason returns the default reason phrase of code.
func Reason(code int) string {
	if r, ok := ReasonPhrase[code]; ok {
		return r
	}
	return "Unknown"
}

const (
	AcceptedBody = "application/sdp, application/dtmf-relay"
	MaxForwards  = 70
)

type Status string

const (
	Idle           Status = "Idle"
	InviteSent     Status = "InviteSent"     /**< After INVITE s sent */
	InviteReceived Status = "InviteReceived" /**< After INVITE s received. */
	Provisional    Status = "Provisional"    /**< After response for 1XX. */
	EarlyMedia     Status = "EarlyMedia"     /**< After response 1XX with sdp. */
	WaitingForACK  Status = "WaitingForACK"  /**< After 2xx s sent/received. */
	Confirmed      Status = "Confirmed"      /**< After ACK s sent/received. */
	Failure        Status = "Failure"        /**< Session s rejected or canceled. */
	Terminated     Status = "Terminated"     /**< Session s terminated. */
)

// IsInProgress reports an unanswered call.
func (s Status) IsInProgress() bool {
	switch s {
	case InviteSent, Provisional, EarlyMedia, InviteReceived:
		return true
	}
	return false
}

func (s Status) IsEstablished() bool {
	return s == WaitingForACK || s == Confirmed
}

func (s Status) IsEnded() bool {
	return s == Failure || s == Terminated
}

type Direction string

const (
	Outgoing Direction = "Outgoing"
	Incoming Direction = "Incoming"
)
