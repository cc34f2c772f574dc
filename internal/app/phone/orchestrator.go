// Package phone coordinates the phone components with a state machine.
package phone

import (
	"fmt"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/dialbox/internal/app/hook"
	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/domain/call"
	"github.com/osa030/dialbox/internal/infra/calllog"
	"github.com/osa030/dialbox/internal/infra/sip"
)

// State is the overall phone state.
type State int

const (
	Idle           State = iota // On hook, no activity
	OffHookWaiting              // Picked up, waiting for first digit
	Dialing                     // Digits coming in
	Validating                  // Checking speed dial and allowlist
	Calling                     // Outbound call in progress
	Ringing                     // Inbound call, bell ringing
	Connected                   // Active call
	Error                       // Blocked number, failed call, etc.
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OffHookWaiting:
		return "off_hook_waiting"
	case Dialing:
		return "dialing"
	case Validating:
		return "validating"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// HookMonitor reports debounced hook switch transitions.
type HookMonitor interface {
	SetCallbacks(onOffHook, onOnHook func())
	Start() error
	Stop()
	State() hook.State
}

// DigitReader reports decoded rotary digits.
type DigitReader interface {
	SetOnDigit(fn func(digit string))
	Start() error
	Stop()
}

// Ringer drives the bell.
type Ringer interface {
	StartRinging()
	StopRinging()
}

// TonePlayer plays the dial tone.
type TonePlayer interface {
	Start()
	Stop()
}

// Rules answers dialing policy questions.
type Rules interface {
	SpeedDialNumber(code string) (string, bool)
	IsAllowed(number string) bool
}

// Default timeouts.
const (
	DefaultInterDigitTimeout  = 5 * time.Second
	DefaultCallAttemptTimeout = 60 * time.Second
)

// Account holds the SIP registration credentials.
type Account struct {
	URI      string
	Username string
	Password string
}

// Config holds Orchestrator construction parameters.
type Config struct {
	InterDigitTimeout  time.Duration // Zero means DefaultInterDigitTimeout
	CallAttemptTimeout time.Duration // Zero means DefaultCallAttemptTimeout
	Account            Account
}

// Orchestrator is the brain of the phone. It owns the state machine and
// wires the hook switch, rotary dial, bell, dial tone, SIP session and
// call log together.
//
// Locking: the mutex is not reentrant. Public methods and event
// handlers take it once and call *Locked helpers. SIP operations can
// fire events synchronously, so they are always dispatched on
// goroutines outside the lock; completion handlers re-take the lock and
// re-validate state and generation before acting. Ringer, tone player
// and call log sink never call back in, so they may be invoked under
// the lock.
type Orchestrator struct {
	rules     Rules
	hook      HookMonitor
	dial      DigitReader
	ringer    Ringer
	tone      TonePlayer
	session   sip.Session
	sink      calllog.Sink
	scheduler *sched.Scheduler

	interDigitTimeout  time.Duration
	callAttemptTimeout time.Duration
	account            Account

	mu           sync.Mutex
	state        State
	dialedNumber string
	errorMessage string
	digitTimer   *sched.Task
	attemptTimer *sched.Task
	// digitGen invalidates stale inter-digit timeouts, callGen
	// invalidates completions of a call attempt that is already over.
	digitGen uint64
	callGen  uint64
	running  bool
}

// New creates an Orchestrator. A nil sink disables call history.
func New(
	rules Rules,
	hookMon HookMonitor,
	dialReader DigitReader,
	ringer Ringer,
	tone TonePlayer,
	session sip.Session,
	sink calllog.Sink,
	scheduler *sched.Scheduler,
	cfg Config,
) *Orchestrator {
	interDigit := cfg.InterDigitTimeout
	if interDigit <= 0 {
		interDigit = DefaultInterDigitTimeout
	}
	attempt := cfg.CallAttemptTimeout
	if attempt <= 0 {
		attempt = DefaultCallAttemptTimeout
	}
	if sink == nil {
		sink = calllog.Nop{}
	}
	return &Orchestrator{
		rules:              rules,
		hook:               hookMon,
		dial:               dialReader,
		ringer:             ringer,
		tone:               tone,
		session:            session,
		sink:               sink,
		scheduler:          scheduler,
		interDigitTimeout:  interDigit,
		callAttemptTimeout: attempt,
		account:            cfg.Account,
	}
}

// Start wires the callbacks, starts the hardware components and
// initiates SIP registration. Registration failure is logged, not
// fatal; the phone still works for local interaction.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		zlog.Warn().Msg("phone: orchestrator already running")
		return nil
	}
	o.running = true
	o.mu.Unlock()

	zlog.Info().Msg("phone: starting orchestrator")

	o.hook.SetCallbacks(o.onOffHook, o.onOnHook)
	o.dial.SetOnDigit(o.onDigit)
	o.session.SetEvents(sip.Events{
		OnIncomingCall: o.onIncomingCall,
		OnCallAnswered: o.onCallAnswered,
		OnCallEnded:    o.onCallEnded,
	})

	if err := o.hook.Start(); err != nil {
		return err
	}
	if err := o.dial.Start(); err != nil {
		o.hook.Stop()
		return err
	}

	if o.account.URI != "" && o.account.Username != "" {
		if err := o.session.Register(o.account.URI, o.account.Username, o.account.Password); err != nil {
			zlog.Error().Err(err).Msg("phone: sip registration failed")
		} else {
			zlog.Info().Msg("phone: sip registration initiated")
		}
	}

	zlog.Info().Msgf("phone: orchestrator started in state: %s", o.State())
	return nil
}

// Stop shuts down the components and unregisters.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	zlog.Info().Msg("phone: stopping orchestrator")
	o.cancelTimersLocked()
	o.callGen++
	o.mu.Unlock()

	o.dial.Stop()
	o.hook.Stop()
	o.ringer.StopRinging()
	o.tone.Stop()

	if err := o.session.Unregister(); err != nil {
		zlog.Error().Err(err).Msg("phone: sip unregister failed")
	}
	zlog.Info().Msg("phone: orchestrator stopped")
}

// State returns the current phone state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// DialedNumber returns the digits collected so far.
func (o *Orchestrator) DialedNumber() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dialedNumber
}

// ErrorMessage returns the message of the current Error state, or "".
func (o *Orchestrator) ErrorMessage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errorMessage
}

// onOffHook handles the handset being lifted.
func (o *Orchestrator) onOffHook() {
	o.mu.Lock()
	zlog.Debug().Msgf("phone: off-hook event in state: %s", o.state)

	switch o.state {
	case Idle:
		o.dialedNumber = ""
		o.transitionLocked(OffHookWaiting, "")
		o.tone.Start()
		o.mu.Unlock()

	case Ringing:
		zlog.Info().Msg("phone: answering incoming call")
		o.ringer.StopRinging()
		o.callGen++
		gen := o.callGen
		o.transitionLocked(Connected, "")
		o.mu.Unlock()

		go o.answerCall(gen)

	default:
		o.mu.Unlock()
	}
}

// answerCall performs the SIP answer off the lock and reconciles the
// result.
func (o *Orchestrator) answerCall(gen uint64) {
	err := o.session.AnswerCall()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.callGen != gen {
		return
	}
	if err != nil {
		zlog.Error().Err(err).Msg("phone: failed to answer call")
		msg := fmt.Sprintf("Failed to answer: %v", err)
		o.sink.CallEnded(call.StatusFailed, msg)
		o.transitionLocked(Error, msg)
		return
	}
	o.sink.CallAnswered()
}

// onOnHook handles the handset being put back. From any state this
// cleans up and lands in Idle.
func (o *Orchestrator) onOnHook() {
	o.mu.Lock()
	zlog.Debug().Msgf("phone: on-hook event in state: %s", o.state)

	o.cancelTimersLocked()
	o.tone.Stop()

	var hangup bool
	switch o.state {
	case OffHookWaiting, Dialing:
		o.sink.CancelPending()

	case Ringing:
		o.ringer.StopRinging()
		o.sink.CallEnded(call.StatusMissed, "")

	case Calling:
		o.sink.CallEnded(call.StatusUnanswered, "")
		hangup = true

	case Connected:
		o.sink.CallEnded(call.StatusCompleted, "")
		hangup = true
	}

	// Invalidate any in-flight call completion.
	o.callGen++
	o.dialedNumber = ""
	o.transitionLocked(Idle, "")
	o.mu.Unlock()

	if hangup {
		go func() {
			if err := o.session.Hangup(); err != nil {
				zlog.Error().Err(err).Msg("phone: failed to hang up call")
			}
		}()
	}
}

// onDigit handles one decoded rotary digit.
func (o *Orchestrator) onDigit(digit string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	zlog.Debug().Msgf("phone: digit '%s' in state: %s", digit, o.state)

	if o.state != OffHookWaiting && o.state != Dialing {
		zlog.Warn().Msgf("phone: ignoring digit '%s' in state %s", digit, o.state)
		return
	}

	if o.state == OffHookWaiting {
		o.tone.Stop()
		o.transitionLocked(Dialing, "")
	}

	o.dialedNumber += digit
	zlog.Info().Msgf("phone: dialed so far: %s", o.dialedNumber)

	if o.digitTimer != nil {
		o.digitTimer.Cancel()
	}
	o.digitGen++
	gen := o.digitGen
	o.digitTimer = o.scheduler.Schedule(o.interDigitTimeout, func() {
		o.onDigitTimeout(gen)
	})
}

// onDigitTimeout fires when the dial has been quiet long enough that
// dialing is complete.
func (o *Orchestrator) onDigitTimeout(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.digitGen {
		return
	}
	o.digitTimer = nil

	if o.state != Dialing {
		zlog.Warn().Msgf("phone: digit timeout in unexpected state: %s", o.state)
		return
	}

	zlog.Info().Msgf("phone: dialing complete: %s", o.dialedNumber)
	o.validateAndCallLocked()
}

// validateAndCallLocked expands speed dial, checks the allowlist and
// places the call.
func (o *Orchestrator) validateAndCallLocked() {
	dialed := o.dialedNumber
	o.transitionLocked(Validating, "")

	destination := dialed
	speedDialCode := ""
	if number, ok := o.rules.SpeedDialNumber(dialed); ok {
		zlog.Info().Msgf("phone: speed dial %s -> %s", dialed, number)
		speedDialCode = dialed
		destination = number
	}

	if !o.rules.IsAllowed(destination) {
		zlog.Warn().Msgf("phone: number %s is not in allowlist", destination)
		msg := fmt.Sprintf("Number %s is not allowed", destination)
		o.sink.CallRejected(dialed, msg)
		o.transitionLocked(Error, msg)
		return
	}

	zlog.Info().Msgf("phone: calling %s", destination)
	o.sink.OutboundStarted(dialed, destination, speedDialCode)
	o.transitionLocked(Calling, "")

	o.callGen++
	gen := o.callGen
	o.attemptTimer = o.scheduler.Schedule(o.callAttemptTimeout, func() {
		o.onCallAttemptTimeout(gen)
	})

	go o.makeCall(destination, gen)
}

// makeCall performs the SIP invite off the lock. It only has to handle
// failure; the answer arrives through OnCallAnswered.
func (o *Orchestrator) makeCall(destination string, gen uint64) {
	err := o.session.MakeCall(destination)
	if err == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.callGen != gen {
		// The attempt was already hung up or timed out.
		return
	}
	zlog.Error().Err(err).Msg("phone: failed to make call")
	if o.attemptTimer != nil {
		o.attemptTimer.Cancel()
		o.attemptTimer = nil
	}
	o.sink.CallEnded(call.StatusFailed, err.Error())
	o.transitionLocked(Error, fmt.Sprintf("Call failed: %v", err))
}

// onCallAttemptTimeout gives up on an outbound call nobody answers.
func (o *Orchestrator) onCallAttemptTimeout(gen uint64) {
	o.mu.Lock()
	// A stale fire must not touch the timer handle of a newer attempt.
	if gen != o.callGen || o.state != Calling {
		o.mu.Unlock()
		return
	}
	o.attemptTimer = nil

	zlog.Warn().Msgf("phone: call attempt timed out after %v", o.callAttemptTimeout)
	o.sink.CallEnded(call.StatusUnanswered,
		fmt.Sprintf("Call attempt timed out after %v", o.callAttemptTimeout))
	o.callGen++
	o.finishCallLocked()
	o.mu.Unlock()

	go func() {
		if err := o.session.Hangup(); err != nil {
			zlog.Error().Err(err).Msg("phone: failed to hang up timed out call")
		}
	}()
}

// onIncomingCall handles an inbound call from the SIP session.
func (o *Orchestrator) onIncomingCall(callerID string) {
	o.mu.Lock()
	zlog.Info().Msgf("phone: incoming call from: %s", callerID)

	if o.state != Idle {
		zlog.Warn().Msgf("phone: ignoring incoming call, phone not idle (state: %s)", o.state)
		o.mu.Unlock()
		return
	}

	if !o.rules.IsAllowed(callerID) {
		zlog.Warn().Msgf("phone: rejecting incoming call from %s (not in allowlist)", callerID)
		// Record the rejection whether or not the SIP reject succeeds.
		o.sink.InboundStarted(callerID)
		o.sink.CallEnded(call.StatusRejected,
			fmt.Sprintf("Caller %s is not in allowlist", callerID))
		o.mu.Unlock()

		go func() {
			if err := o.session.RejectCall(); err != nil {
				zlog.Error().Err(err).Msg("phone: failed to reject call")
			}
		}()
		return
	}

	o.sink.InboundStarted(callerID)
	o.ringer.StartRinging()
	o.transitionLocked(Ringing, "")
	o.mu.Unlock()
}

// onCallAnswered handles the remote party answering the outbound call.
func (o *Orchestrator) onCallAnswered() {
	o.mu.Lock()
	defer o.mu.Unlock()

	zlog.Info().Msg("phone: call answered")

	if o.attemptTimer != nil {
		o.attemptTimer.Cancel()
		o.attemptTimer = nil
	}

	if o.state != Calling {
		zlog.Warn().Msgf("phone: call answered in unexpected state: %s", o.state)
		return
	}

	o.sink.CallAnswered()
	o.transitionLocked(Connected, "")
}

// onCallEnded handles the call terminating, for any reason and either
// direction.
func (o *Orchestrator) onCallEnded() {
	o.mu.Lock()
	defer o.mu.Unlock()

	zlog.Info().Msg("phone: call ended")

	if o.state != Calling && o.state != Ringing && o.state != Connected {
		// Already handled by on-hook, timeout or reject.
		return
	}

	if o.attemptTimer != nil {
		o.attemptTimer.Cancel()
		o.attemptTimer = nil
	}

	var status call.Status
	switch o.state {
	case Ringing:
		status = call.StatusMissed
		o.ringer.StopRinging()
	case Calling:
		status = call.StatusUnanswered
	default:
		status = call.StatusCompleted
	}
	o.sink.CallEnded(status, "")

	o.callGen++
	o.finishCallLocked()
}

// finishCallLocked lands in Idle or OffHookWaiting depending on the
// hook, restarting the dial tone when the handset is still lifted.
func (o *Orchestrator) finishCallLocked() {
	o.dialedNumber = ""
	if o.hook.State() == hook.OnHook {
		o.transitionLocked(Idle, "")
		return
	}
	zlog.Info().Msg("phone: call over but handset still lifted, waiting for hangup")
	o.transitionLocked(OffHookWaiting, "")
	o.tone.Start()
}

// cancelTimersLocked cancels both pending timers.
func (o *Orchestrator) cancelTimersLocked() {
	if o.digitTimer != nil {
		o.digitTimer.Cancel()
		o.digitTimer = nil
	}
	o.digitGen++
	if o.attemptTimer != nil {
		o.attemptTimer.Cancel()
		o.attemptTimer = nil
	}
}

// transitionLocked moves to a new state.
func (o *Orchestrator) transitionLocked(newState State, errMsg string) {
	old := o.state
	o.state = newState
	o.errorMessage = errMsg

	zlog.Info().Msgf("phone: state transition: %s -> %s", old, newState)
	if errMsg != "" {
		zlog.Warn().Msgf("phone: error: %s", errMsg)
	}
}
