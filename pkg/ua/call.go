package ua

import (
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/account"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
)

// Call returns the current call, the most recently added one.
func (ua *UserAgent) Call() Call {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if ua.calls.Len() == 0 {
		return nil
	}
	return ua.calls.Back()
}

// PrevCall returns the call added just before the current one.
func (ua *UserAgent) PrevCall() Call {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if ua.calls.Len() < 2 {
		return nil
	}
	return ua.calls.At(ua.calls.Len() - 2)
}

// Calls returns the calls in the order they were added.
func (ua *UserAgent) Calls() []Call {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	calls := make([]Call, 0, ua.calls.Len())
	for i := 0; i < ua.calls.Len(); i++ {
		calls = append(calls, ua.calls.At(i))
	}
	return calls
}

func (ua *UserAgent) CallCount() int {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.calls.Len()
}

// Connect places an outgoing call to uri. When callp is not nil it must
// point to a nil Call and receives the new call on success.
func (ua *UserAgent) Connect(callp *Call, fromURI, uri, params string, vmode VideoMode) error {
	if strings.TrimSpace(uri) == "" {
		return ErrInvalidInput
	}
	if callp != nil && *callp != nil {
		return ErrAlreadyAllocated
	}

	dial := ua.dialString(uri, params)

	call, err := ua.callAlloc(nil, vmode, nil, fromURI, true)
	if err != nil {
		return err
	}

	ua.log.Infof("connecting to %s", dial)
	if err := call.Connect(dial); err != nil {
		ua.log.Warnf("connect to %s failed: %v", dial, err)
		ua.releaseCall(call)
		return err
	}

	if callp != nil {
		*callp = call
	}
	return nil
}

// Hangup ends call, or the current call when call is nil. Code and reason
// are used when rejecting an incoming call, 0 picks the default.
func (ua *UserAgent) Hangup(call Call, code int, reason string) {
	if call == nil {
		if call = ua.Call(); call == nil {
			return
		}
	}
	if !ua.hasCall(call) {
		return
	}

	call.Hangup(code, reason)
	if reason == "" {
		reason = "Rejected by user"
	}
	ua.event(EventCallClosed, call, reason)
	ua.releaseCall(call)
	ua.resumeCall()
}

// Answer answers call, or the current call when call is nil.
func (ua *UserAgent) Answer(call Call) error {
	if call == nil {
		if call = ua.Call(); call == nil {
			return ErrNotFound
		}
	}
	return call.Answer(200)
}

// HoldAnswer puts the previous call on hold and answers call, or the
// current call when call is nil.
func (ua *UserAgent) HoldAnswer(call Call) error {
	if call == nil {
		if call = ua.Call(); call == nil {
			return ErrNotFound
		}
	}

	if pcall := ua.PrevCall(); pcall != nil {
		ua.log.Infof("putting call with %s on hold", pcall.PeerURI())
		if err := pcall.Hold(true); err != nil {
			return err
		}
	}
	return ua.Answer(call)
}

// callAlloc creates a call owned by ua. Unless link is false the call is
// appended to the call list.
func (ua *UserAgent) callAlloc(msg sip.Request, vmode VideoMode, xcall Call, localURI string, link bool) (Call, error) {
	uag := ua.uag
	if uag == nil || uag.newCall == nil {
		return nil, ErrClosed
	}

	ua.mu.Lock()
	if ua.freed {
		ua.mu.Unlock()
		return nil, ErrClosed
	}
	af := ua.af
	if ua.afMedia != network.Unspec {
		af = ua.afMedia
	}
	line := 0
	if link {
		line = 1
		for ua.reserved[line] {
			line++
		}
		ua.reserved[line] = true
	}
	ua.mu.Unlock()

	if localURI == "" {
		localURI = ua.acc.AOR()
	}
	prm := &CallParams{
		UA:          ua,
		Account:     ua.acc,
		DisplayName: ua.acc.DisplayName(),
		LocalURI:    localURI,
		LocalAddr:   uag.localAddr(af),
		AF:          af,
		VideoMode:   vmode,
		LineNum:     line,
		Msg:         msg,
		Xcall:       xcall,
		Events:      ua.callEventHandler,
		DTMF:        ua.dtmfHandler,
	}

	call, err := uag.newCall(prm)

	ua.mu.Lock()
	defer ua.mu.Unlock()
	if err != nil {
		delete(ua.reserved, line)
		return nil, fmt.Errorf("call alloc: %w", err)
	}
	if link {
		ua.calls.PushBack(call)
	}
	return call, nil
}

func (ua *UserAgent) hasCall(call Call) bool {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.calls.Index(func(c Call) bool { return c == call }) >= 0
}

// FindCall looks up a call of ua by its SIP Call-ID.
func (ua *UserAgent) FindCall(callID string) Call {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if i := ua.calls.Index(func(c Call) bool { return c.CallID() == callID }); i >= 0 {
		return ua.calls.At(i)
	}
	return nil
}

// removeCall takes call out of the list, false if ua does not own it.
func (ua *UserAgent) removeCall(call Call) bool {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	i := ua.calls.Index(func(c Call) bool { return c == call })
	if i < 0 {
		return false
	}
	ua.calls.Remove(i)
	delete(ua.reserved, call.LineNum())
	return true
}

func (ua *UserAgent) releaseCall(call Call) {
	if ua.removeCall(call) {
		call.Close()
	}
}

// resumeCall takes the most recent held call off hold.
func (ua *UserAgent) resumeCall() {
	calls := ua.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if !call.IsOnHold() {
			continue
		}
		ua.log.Infof("resuming call with %s", call.PeerURI())
		if err := call.Hold(false); err != nil {
			ua.log.Warnf("resume call failed: %v", err)
		}
		return
	}
}

func (ua *UserAgent) flushCalls() {
	ua.mu.Lock()
	calls := make([]Call, 0, ua.calls.Len())
	for ua.calls.Len() > 0 {
		calls = append(calls, ua.calls.PopFront())
	}
	ua.reserved = make(map[int]bool)
	ua.mu.Unlock()

	for _, call := range calls {
		call.Close()
	}
}

func (ua *UserAgent) callEventHandler(call Call, ev CallEvent, text string) {
	if !ua.hasCall(call) {
		ua.log.Debugf("ignoring %s from released call %s", ev, call.CallID())
		return
	}
	peer := call.PeerURI()
	logger := ua.log.WithFields(log.Fields{"call_id": call.CallID(), "peer": peer})

	switch ev {
	case CallIncoming:
		if bl := ua.uag.contacts; bl != nil && bl.BlockAccess(peer) {
			logger.Infof("blocked access: %s", peer)
			ua.event(EventCallClosed, call, text)
			ua.releaseCall(call)
			return
		}

		switch ua.acc.AnswerMode() {
		case account.AnswerEarly:
			if err := call.Progress(); err != nil {
				logger.Warnf("call progress: %v", err)
			}
		case account.AnswerAuto:
			if err := call.Answer(200); err != nil {
				logger.Warnf("auto answer: %v", err)
			}
		default:
			ua.event(EventCallIncoming, call, peer)
		}

	case CallRinging:
		ua.event(EventCallRinging, call, peer)

	case CallProgress:
		ua.event(EventCallProgress, call, peer)

	case CallEstablished:
		ua.event(EventCallEstablished, call, peer)

	case CallClosed:
		ua.event(EventCallClosed, call, text)
		ua.releaseCall(call)
		ua.resumeCall()

	case CallTransfer:
		ua.transfer(call, text)

	case CallTransferFailed:
		ua.event(EventCallTransferFailed, call, text)
	}
}

// transfer calls the REFER target on behalf of call.
func (ua *UserAgent) transfer(call Call, target string) {
	call2, err := ua.callAlloc(nil, VideoOn, call, call.LocalURI(), true)
	if err != nil {
		ua.log.Warnf("transfer: %v", err)
		if err := call.NotifySipfrag(500, "Call Error"); err != nil {
			ua.log.Warnf("transfer: notify: %v", err)
		}
		return
	}

	if err := call2.Connect(target); err != nil {
		ua.log.Warnf("transfer: connect to %s failed: %v", target, err)
		if err := call.NotifySipfrag(500, "Call Error"); err != nil {
			ua.log.Warnf("transfer: notify: %v", err)
		}
		ua.releaseCall(call2)
	}
}

func (ua *UserAgent) dtmfHandler(call Call, key rune) {
	if key != 0 {
		ua.event(EventCallDTMFStart, call, string(key))
	} else {
		ua.event(EventCallDTMFEnd, call, "")
	}
}
