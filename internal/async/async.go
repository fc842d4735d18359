package async

import (
	"sync"

	"github.com/makerforge/printerd/internal/event"
)

// State is one of Async's six states.
type State int

const (
	Pending State = iota
	Running
	Success
	Error
	Timeout
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case Timeout:
		return "TIMEOUT"
	case Canceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func (s State) terminal() bool {
	return s == Success || s == Error || s == Timeout || s == Canceled
}

// kind is the internal event vocabulary driving Async._transition,
// distinct from the payload an Async ultimately latches.
type kind int

const (
	evStart kind = iota
	evHeartbeat
	evReply
	evError
	evTimeout
	evCancel
)

// IllegalTransitionError is returned by the trigger methods' internal
// bookkeeping but never surfaces to callers: per spec, every trigger
// silently absorbs an illegal transition rather than erroring, mirroring
// conveyor.async.Async._trigger_transition's try/except IllegalTransitionException/pass.
type IllegalTransitionError struct {
	State State
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return "illegal transition: " + e.State.String() + "/" + e.Event
}

// Async is a generic state machine for an outstanding asynchronous
// operation, used when wrapping a foreign asynchronous primitive that can
// eventually deliver a reply or an error. Distinct from Task, it carries a
// heartbeat payload channel, a TIMEOUT terminal state, and a structured
// ERROR terminal.
//
// Legal transitions (anything else is illegal and silently absorbed):
//
//	PENDING -> RUNNING (Start), PENDING -> CANCELED (Cancel)
//	RUNNING -> RUNNING (Heartbeat, latches payload only)
//	RUNNING -> SUCCESS (Reply), RUNNING -> ERROR (ErrorTrigger)
//	RUNNING -> TIMEOUT (TimeoutTrigger), RUNNING -> CANCELED (Cancel)
//	terminal -> terminal (Cancel, no-op); any other event on a terminal
//	state is illegal and absorbed.
type Async struct {
	mu    sync.Mutex
	state State

	heartbeat any
	reply     any
	err       any

	StartEvent    event.Event[*Async]
	HeartbeatEv   event.Event[*Async]
	ReplyEvent    event.Event[*Async]
	ErrorEvent    event.Event[*Async]
	TimeoutEvent  event.Event[*Async]
	CancelEvent   event.Event[*Async]
}

// New returns an Async in the PENDING state.
func New() *Async {
	return &Async{state: Pending}
}

// State returns the current state.
func (a *Async) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Heartbeat returns the most recently latched heartbeat payload.
func (a *Async) Heartbeat() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeat
}

// Reply returns the payload latched on a SUCCESS transition.
func (a *Async) Reply() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reply
}

// Err returns the payload latched on an ERROR transition.
func (a *Async) Err() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// trigger applies event k with payload p under the lock, returning whether
// the transition was legal. Illegal transitions are absorbed by every
// public entry point below; trigger itself just reports the fact so tests
// can assert on it directly if desired.
func (a *Async) trigger(k kind, p any) *IllegalTransitionError {
	a.mu.Lock()
	switch a.state {
	case Pending:
		switch k {
		case evStart:
			a.state = Running
			a.mu.Unlock()
			a.StartEvent.Fire(a)
			return nil
		case evCancel:
			a.state = Canceled
			a.mu.Unlock()
			a.CancelEvent.Fire(a)
			return nil
		default:
			st := a.state
			a.mu.Unlock()
			return &IllegalTransitionError{State: st, Event: kindName(k)}
		}
	case Running:
		switch k {
		case evHeartbeat:
			a.heartbeat = p
			a.mu.Unlock()
			a.HeartbeatEv.Fire(a)
			return nil
		case evReply:
			a.state = Success
			a.reply = p
			a.mu.Unlock()
			a.ReplyEvent.Fire(a)
			return nil
		case evError:
			a.state = Error
			a.err = p
			a.mu.Unlock()
			a.ErrorEvent.Fire(a)
			return nil
		case evTimeout:
			a.state = Timeout
			a.mu.Unlock()
			a.TimeoutEvent.Fire(a)
			return nil
		case evCancel:
			a.state = Canceled
			a.mu.Unlock()
			a.CancelEvent.Fire(a)
			return nil
		default:
			st := a.state
			a.mu.Unlock()
			return &IllegalTransitionError{State: st, Event: kindName(k)}
		}
	default: // terminal
		if k == evCancel {
			a.mu.Unlock()
			return nil
		}
		st := a.state
		a.mu.Unlock()
		return &IllegalTransitionError{State: st, Event: kindName(k)}
	}
}

func kindName(k kind) string {
	switch k {
	case evStart:
		return "START"
	case evHeartbeat:
		return "HEARTBEAT"
	case evReply:
		return "REPLY"
	case evError:
		return "ERROR"
	case evTimeout:
		return "TIMEOUT"
	case evCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// Start transitions PENDING -> RUNNING. Illegal from any other state
// (silently absorbed).
func (a *Async) Start() { a.trigger(evStart, nil) }

// HeartbeatTrigger latches a heartbeat payload and fires HeartbeatEv
// without changing state. Illegal outside RUNNING.
func (a *Async) HeartbeatTrigger(payload any) { a.trigger(evHeartbeat, payload) }

// ReplyTrigger transitions RUNNING -> SUCCESS with the given payload.
func (a *Async) ReplyTrigger(payload any) { a.trigger(evReply, payload) }

// ErrorTrigger transitions RUNNING -> ERROR with the given structured
// payload.
func (a *Async) ErrorTrigger(payload any) { a.trigger(evError, payload) }

// TimeoutTrigger transitions RUNNING -> TIMEOUT. The core never calls this
// automatically; a caller implements timeouts by invoking it.
func (a *Async) TimeoutTrigger() { a.trigger(evTimeout, nil) }

// Cancel transitions PENDING or RUNNING -> CANCELED. Always safe to call:
// a no-op once the Async is already terminal.
func (a *Async) Cancel() { a.trigger(evCancel, nil) }

// Sequence composes a list of Asyncs into one composite Async that starts
// the first, and on each one's SUCCESS starts the next, short-circuiting
// to ERROR/TIMEOUT/CANCELED the moment any step ends that way.
type Sequence struct {
	*Async
	steps []*Async
}

// NewSequence builds a Sequence over steps (not yet started).
func NewSequence(steps []*Async) *Sequence {
	return &Sequence{Async: New(), steps: steps}
}

// Start begins the sequence: starts the first step, and chains subsequent
// steps off each predecessor's ReplyEvent.
func (s *Sequence) Start() {
	s.Async.trigger(evStart, nil)
	if len(s.steps) == 0 {
		s.Async.ReplyTrigger(nil)
		return
	}
	s.runStep(0)
}

func (s *Sequence) runStep(i int) {
	step := s.steps[i]
	step.ErrorEvent.Attach(func(a *Async) { s.Async.ErrorTrigger(a.Err()) })
	step.TimeoutEvent.Attach(func(*Async) { s.Async.TimeoutTrigger() })
	step.CancelEvent.Attach(func(*Async) { s.Async.Cancel() })
	step.ReplyEvent.Attach(func(a *Async) {
		if i+1 < len(s.steps) {
			s.runStep(i + 1)
		} else {
			s.Async.ReplyTrigger(a.Reply())
		}
	})
	step.Start()
}

// Cancel cancels the sequence itself and every step: the outstanding step
// moves to CANCELED, steps that have not yet started move from PENDING to
// CANCELED (so they never run), and finished steps are left as they are.
func (s *Sequence) Cancel() {
	s.Async.Cancel()
	for _, step := range s.steps {
		step.Cancel()
	}
}
