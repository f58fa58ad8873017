package ua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/tevino/abool"
)

const (
	regUnregistered = "unregistered"
	regRegistering  = "registering"
	regRegistered   = "registered"
	regFailed       = "failed"

	regEvRegister   = "register"
	regEvOK         = "ok"
	regEvFail       = "fail"
	regEvUnregister = "unregister"
)

var (
	// RegisterRetryInterval is the delay before a failed REGISTER is retried.
	RegisterRetryInterval = 30 * time.Second
	unregisterTimeout     = 5 * time.Second
)

// Register is a registration client toward one outbound target. It keeps
// the binding alive by re-sending REGISTER before it expires.
type Register struct {
	mu       sync.Mutex
	ua       *UserAgent
	id       int
	state    *fsm.FSM
	callID   string
	cseq     uint32
	regURI   string
	params   string
	expires  uint32
	outbound string
	scode    int
	reason   string
	srv      string
	gen      uint64
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	closed   *abool.AtomicBool
	log      log.Logger
}

// newRegister creates the client; id 0 is the default client without
// outbound proxy, id N targets outbound slot N-1.
func newRegister(ua *UserAgent, id int) *Register {
	r := &Register{
		ua:     ua,
		id:     id,
		callID: uuid.New().String(),
		closed: abool.New(),
		log:    ua.log.WithFields(log.Fields{"reg_id": id}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.state = fsm.NewFSM(
		regUnregistered,
		fsm.Events{
			{Name: regEvRegister, Src: []string{regUnregistered, regRegistered, regFailed}, Dst: regRegistering},
			{Name: regEvOK, Src: []string{regRegistering, regRegistered}, Dst: regRegistered},
			{Name: regEvFail, Src: []string{regRegistering, regRegistered}, Dst: regFailed},
			{Name: regEvUnregister, Src: []string{regRegistering, regRegistered, regFailed}, Dst: regUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.log.Debugf("register state %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return r
}

func (r *Register) fire(event string) {
	err := r.state.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return
	}
	r.log.Warnf("register state: %v", err)
}

// ID returns the client id, 0 for the default client.
func (r *Register) ID() int { return r.id }

// State returns the registration state name.
func (r *Register) State() string { return r.state.Current() }

// IsOK reports whether the last REGISTER was accepted.
func (r *Register) IsOK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scode >= 200 && r.scode < 300
}

// active reports whether the client holds or attempts a binding.
func (r *Register) active() bool {
	return !r.state.Is(regUnregistered)
}

// Status renders the short registration status.
func (r *Register) Status() string {
	switch r.state.Current() {
	case regRegistered:
		return "OK"
	case regFailed:
		return "ERR"
	case regRegistering:
		return "zzz"
	}
	return "--"
}

// Register starts registering and keeps refreshing the binding.
func (r *Register) Register(regURI, params string, regint uint32, outbound string) error {
	if r.closed.IsSet() {
		return ErrClosed
	}

	r.mu.Lock()
	r.regURI = regURI
	r.params = params
	r.expires = regint
	r.outbound = outbound
	r.gen++
	gen := r.gen
	r.stopTimerLocked()
	r.mu.Unlock()

	r.fire(regEvRegister)
	if err := r.send(r.ctx, gen, regint); err != nil {
		r.mu.Lock()
		r.scode, r.reason = 0, err.Error()
		r.mu.Unlock()
		r.fire(regEvFail)
		return err
	}
	return nil
}

// Unregister removes the binding; the reply is not waited for.
func (r *Register) Unregister() {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.stopTimerLocked()
	r.scode = 0
	regURI := r.regURI
	r.mu.Unlock()

	if !r.active() {
		return
	}
	r.fire(regEvUnregister)
	if regURI == "" || r.closed.IsSet() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	if err := r.sendWith(ctx, gen, 0, func(*Result) { cancel() }); err != nil {
		cancel()
		r.log.Debugf("unregister failed: %v", err)
	}
}

// Close stops all timers and pending requests.
func (r *Register) Close() {
	if !r.closed.SetToIf(false, true) {
		return
	}
	r.mu.Lock()
	r.gen++
	r.stopTimerLocked()
	r.mu.Unlock()
	r.cancel()
}

func (r *Register) send(ctx context.Context, gen uint64, expires uint32) error {
	return r.sendWith(ctx, gen, expires, nil)
}

func (r *Register) sendWith(ctx context.Context, gen uint64, expires uint32, done ResultHandler) error {
	ua := r.ua
	acc := ua.acc

	r.mu.Lock()
	r.cseq++
	req := &RegisterRequest{
		RegURI:      r.regURI,
		AOR:         acc.AOR(),
		DisplayName: acc.DisplayName(),
		Cuser:       ua.LocalCuser(),
		Params:      r.params,
		Expires:     expires,
		Outbound:    r.outbound,
		AuthUser:    acc.AuthUser(),
		AuthPass:    acc.AuthPass(),
		CallID:      r.callID,
		CSeq:        r.cseq,
		AF:          ua.AF(),
	}
	r.mu.Unlock()

	stack := ua.stack()
	if stack == nil {
		return ErrClosed
	}
	return stack.Register(ctx, req, func(res *Result) {
		r.mu.Lock()
		if res.CSeq > r.cseq {
			r.cseq = res.CSeq
		}
		r.mu.Unlock()
		if done != nil {
			done(res)
		}
		r.handleResult(gen, expires, res)
	})
}

func (r *Register) handleResult(gen uint64, requested uint32, res *Result) {
	r.mu.Lock()
	if gen != r.gen || r.closed.IsSet() || requested == 0 {
		r.mu.Unlock()
		return
	}

	if res.Err == nil && res.StatusCode >= 200 && res.StatusCode < 300 {
		r.scode, r.reason, r.srv = res.StatusCode, res.Reason, res.Server
		expires := res.Expires
		if expires == 0 {
			expires = requested
		}
		r.scheduleLocked(gen, refreshDelay(expires), false)
		r.mu.Unlock()

		r.fire(regEvOK)
		if res.PubGruu != "" {
			r.ua.SetPubGruu(res.PubGruu)
		}
		r.log.Infof("registered: %d %s (expires %d)", res.StatusCode, res.Reason, expires)
		r.ua.event(EventRegisterOK, nil, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
		return
	}

	text := fmt.Sprintf("%d %s", res.StatusCode, res.Reason)
	if res.Err != nil {
		text = res.Err.Error()
		r.scode = 999
	} else {
		r.scode = res.StatusCode
	}
	r.reason = text
	r.scheduleLocked(gen, RegisterRetryInterval, true)
	r.mu.Unlock()

	r.fire(regEvFail)
	r.log.Warnf("register failed: %s", text)
	r.ua.event(EventRegisterFail, nil, text)
}

// refreshDelay re-registers 10 seconds ahead of expiry, or halfway for
// very short intervals.
func refreshDelay(expires uint32) time.Duration {
	if expires > 20 {
		return time.Duration(expires-10) * time.Second
	}
	return time.Duration(expires) * time.Second / 2
}

func (r *Register) scheduleLocked(gen uint64, d time.Duration, retry bool) {
	r.stopTimerLocked()
	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		if gen != r.gen || r.closed.IsSet() {
			r.mu.Unlock()
			return
		}
		expires := r.expires
		r.mu.Unlock()

		if retry {
			r.fire(regEvRegister)
		}
		if err := r.send(r.ctx, gen, expires); err != nil {
			r.log.Warnf("re-register failed: %v", err)
			r.handleResult(gen, expires, &Result{Err: err})
		}
	})
}

func (r *Register) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Debug renders the client for the user agent debug output.
func (r *Register) Debug() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "\nRegister client:\n")
	fmt.Fprintf(&b, " id:       %d\n", r.id)
	fmt.Fprintf(&b, " state:    %s\n", r.state.Current())
	fmt.Fprintf(&b, " scode:    %d (%s)\n", r.scode, r.reason)
	fmt.Fprintf(&b, " srv:      %s\n", r.srv)
	fmt.Fprintf(&b, " outbound: %s\n", r.outbound)
	return b.String()
}
