package ua

import (
	"reflect"
	"sync"
)

// EventKind is a User-Agent event delivered to subscribers.
type EventKind int

const (
	EventRegistering EventKind = iota
	EventRegisterOK
	EventRegisterFail
	EventUnregistering
	EventShutdown
	EventExit
	EventCallIncoming
	EventCallRinging
	EventCallProgress
	EventCallEstablished
	EventCallClosed
	EventCallTransferFailed
	EventCallDTMFStart
	EventCallDTMFEnd
)

var eventNames = map[EventKind]string{
	EventRegistering:        "REGISTERING",
	EventRegisterOK:         "REGISTER_OK",
	EventRegisterFail:       "REGISTER_FAIL",
	EventUnregistering:      "UNREGISTERING",
	EventShutdown:           "SHUTDOWN",
	EventExit:               "EXIT",
	EventCallIncoming:       "CALL_INCOMING",
	EventCallRinging:        "CALL_RINGING",
	EventCallProgress:       "CALL_PROGRESS",
	EventCallEstablished:    "CALL_ESTABLISHED",
	EventCallClosed:         "CALL_CLOSED",
	EventCallTransferFailed: "TRANSFER_FAILED",
	EventCallDTMFStart:      "CALL_DTMF_START",
	EventCallDTMFEnd:        "CALL_DTMF_END",
}

func (ev EventKind) String() string {
	if name, ok := eventNames[ev]; ok {
		return name
	}
	return "?"
}

// EventKinds returns every event kind in declaration order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventNames))
	for ev := EventRegistering; ev <= EventCallDTMFEnd; ev++ {
		kinds = append(kinds, ev)
	}
	return kinds
}

// EventHandler receives User-Agent events. ua and call may be nil.
type EventHandler interface {
	HandleEvent(ua *UserAgent, ev EventKind, call Call, text string)
}

// EventHandlerFunc adapts a function to EventHandler. Two funcs are the
// same subscriber when they share the same code pointer, so every closure
// made from one func literal counts as a single subscriber whatever it
// captured. Use a pointer type implementing EventHandler when each
// instance must be subscribed on its own.
type EventHandlerFunc func(ua *UserAgent, ev EventKind, call Call, text string)

func (f EventHandlerFunc) HandleEvent(ua *UserAgent, ev EventKind, call Call, text string) {
	f(ua, ev, call, text)
}

func sameHandler(a, b EventHandler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

// eventList keeps subscribers in insertion order.
type eventList struct {
	mu       sync.Mutex
	handlers []EventHandler
}

// add moves an already subscribed handler to the end instead of adding
// it twice.
func (l *eventList) add(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(h)
	l.handlers = append(l.handlers, h)
}

func (l *eventList) remove(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(h)
}

func (l *eventList) removeLocked(h EventHandler) {
	for i, eh := range l.handlers {
		if sameHandler(eh, h) {
			l.handlers = append(l.handlers[:i:i], l.handlers[i+1:]...)
			return
		}
	}
}

func (l *eventList) clear() {
	l.mu.Lock()
	l.handlers = nil
	l.mu.Unlock()
}

func (l *eventList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// emit delivers to a snapshot so handlers may subscribe, unsubscribe or
// close user agents while being called.
func (l *eventList) emit(ua *UserAgent, ev EventKind, call Call, text string) {
	l.mu.Lock()
	snapshot := make([]EventHandler, len(l.handlers))
	copy(snapshot, l.handlers)
	l.mu.Unlock()

	for _, h := range snapshot {
		h.HandleEvent(ua, ev, call, text)
	}
}
