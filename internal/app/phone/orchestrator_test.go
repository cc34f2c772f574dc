package phone

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/dialbox/internal/app/hook"
	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/domain/call"
	"github.com/osa030/dialbox/internal/infra/sip"
)

type fakeHook struct {
	mu        sync.Mutex
	state     hook.State
	onOffHook func()
	onOnHook  func()
}

func (h *fakeHook) SetCallbacks(onOffHook, onOnHook func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOffHook = onOffHook
	h.onOnHook = onOnHook
}

func (h *fakeHook) Start() error { return nil }
func (h *fakeHook) Stop()        {}

func (h *fakeHook) State() hook.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHook) lift() {
	h.mu.Lock()
	h.state = hook.OffHook
	fn := h.onOffHook
	h.mu.Unlock()
	fn()
}

func (h *fakeHook) cradle() {
	h.mu.Lock()
	h.state = hook.OnHook
	fn := h.onOnHook
	h.mu.Unlock()
	fn()
}

type fakeDial struct {
	mu      sync.Mutex
	onDigit func(string)
}

func (d *fakeDial) SetOnDigit(fn func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDigit = fn
}

func (d *fakeDial) Start() error { return nil }
func (d *fakeDial) Stop()        {}

func (d *fakeDial) dial(digits string) {
	d.mu.Lock()
	fn := d.onDigit
	d.mu.Unlock()
	for _, r := range digits {
		fn(string(r))
	}
}

type fakeRinger struct {
	mu      sync.Mutex
	ringing bool
}

func (r *fakeRinger) StartRinging() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing = true
}

func (r *fakeRinger) StopRinging() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing = false
}

func (r *fakeRinger) isRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

type fakeTone struct {
	mu      sync.Mutex
	playing bool
	starts  int
}

func (f *fakeTone) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	f.starts++
}

func (f *fakeTone) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
}

func (f *fakeTone) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

type stubRules struct {
	speedDial map[string]string
	allowlist []string
}

func (r *stubRules) SpeedDialNumber(code string) (string, bool) {
	number, ok := r.speedDial[code]
	return number, ok
}

func (r *stubRules) IsAllowed(number string) bool {
	for _, entry := range r.allowlist {
		if entry == "*" || entry == number {
			return true
		}
	}
	return false
}

type sinkEvent struct {
	kind   string
	number string
	status call.Status
	errMsg string
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) OutboundStarted(_, destination, speedDialCode string) {
	s.record(sinkEvent{kind: "outbound", number: destination, errMsg: speedDialCode})
}

func (s *recordingSink) InboundStarted(callerID string) {
	s.record(sinkEvent{kind: "inbound", number: callerID})
}

func (s *recordingSink) CallAnswered() {
	s.record(sinkEvent{kind: "answered"})
}

func (s *recordingSink) CallEnded(status call.Status, errMsg string) {
	s.record(sinkEvent{kind: "ended", status: status, errMsg: errMsg})
}

func (s *recordingSink) CallRejected(dialed, reason string) {
	s.record(sinkEvent{kind: "rejected", number: dialed, errMsg: reason})
}

func (s *recordingSink) CancelPending() {
	s.record(sinkEvent{kind: "cancel"})
}

func (s *recordingSink) record(ev sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) last() (sinkEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return sinkEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

type fixture struct {
	orch    *Orchestrator
	hook    *fakeHook
	dial    *fakeDial
	ringer  *fakeRinger
	tone    *fakeTone
	session *sip.Memory
	sink    *recordingSink
}

func newFixture(t *testing.T, rules *stubRules) *fixture {
	t.Helper()

	scheduler := sched.New()
	t.Cleanup(scheduler.Stop)

	f := &fixture{
		hook:    &fakeHook{state: hook.OnHook},
		dial:    &fakeDial{},
		ringer:  &fakeRinger{},
		tone:    &fakeTone{},
		session: sip.NewMemory(sip.MemoryConfig{}),
		sink:    &recordingSink{},
	}
	f.orch = New(rules, f.hook, f.dial, f.ringer, f.tone, f.session, f.sink, scheduler, Config{
		InterDigitTimeout:  30 * time.Millisecond,
		CallAttemptTimeout: 150 * time.Millisecond,
		Account: Account{
			URI:      "sip:phone@example.com",
			Username: "phone",
			Password: "secret",
		},
	})
	require.NoError(t, f.orch.Start())
	t.Cleanup(f.orch.Stop)
	return f
}

func allowAll() *stubRules {
	return &stubRules{allowlist: []string{"*"}}
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.orch.State() == want
	}, time.Second, 2*time.Millisecond, "waiting for state %s, got %s", want, f.orch.State())
}

func TestOrchestrator_DirectDialFlow(t *testing.T) {
	f := newFixture(t, allowAll())
	assert.Equal(t, Idle, f.orch.State())

	f.hook.lift()
	assert.Equal(t, OffHookWaiting, f.orch.State())
	assert.True(t, f.tone.isPlaying())

	f.dial.dial("5")
	assert.Equal(t, Dialing, f.orch.State())
	assert.False(t, f.tone.isPlaying(), "dial tone stops on first digit")

	f.dial.dial("55")
	assert.Equal(t, "555", f.orch.DialedNumber())

	// Inter-digit timeout completes dialing and places the call.
	f.waitState(t, Calling)
	require.Eventually(t, func() bool {
		return f.session.CallState() == sip.StateCalling
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, "555", f.session.CurrentPeer())

	f.session.SimulateCallAnswered()
	f.waitState(t, Connected)

	f.hook.cradle()
	assert.Equal(t, Idle, f.orch.State())
	require.Eventually(t, func() bool {
		return f.session.CallState() == sip.StateRegistered
	}, time.Second, 2*time.Millisecond)

	last, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "ended", last.kind)
	assert.Equal(t, call.StatusCompleted, last.status)
}

func TestOrchestrator_SpeedDialExpansion(t *testing.T) {
	f := newFixture(t, &stubRules{
		speedDial: map[string]string{"11": "+15551234567"},
		allowlist: []string{"+15551234567"},
	})

	f.hook.lift()
	f.dial.dial("11")
	f.waitState(t, Calling)

	assert.Equal(t, "+15551234567", f.session.CurrentPeer())

	var outbound *sinkEvent
	for _, ev := range f.sink.all() {
		if ev.kind == "outbound" {
			outbound = &ev
			break
		}
	}
	require.NotNil(t, outbound)
	assert.Equal(t, "+15551234567", outbound.number)
	assert.Equal(t, "11", outbound.errMsg, "speed dial code is recorded")
}

func TestOrchestrator_DisallowedNumberRejected(t *testing.T) {
	f := newFixture(t, &stubRules{}) // empty allowlist denies everything

	f.hook.lift()
	f.dial.dial("555")
	f.waitState(t, Error)

	assert.Contains(t, f.orch.ErrorMessage(), "Number 555 is not allowed")
	assert.Equal(t, sip.StateRegistered, f.session.CallState(), "no call placed")

	last, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "rejected", last.kind)
	assert.Equal(t, "555", last.number)

	// On-hook recovers from the error state.
	f.hook.cradle()
	assert.Equal(t, Idle, f.orch.State())
	assert.Empty(t, f.orch.ErrorMessage())
}

func TestOrchestrator_CallAttemptTimeout(t *testing.T) {
	f := newFixture(t, allowAll())

	f.hook.lift()
	f.dial.dial("555")
	f.waitState(t, Calling)

	// Nobody answers; the attempt times out and the handset is still
	// lifted, so the phone offers a new dial tone.
	f.waitState(t, OffHookWaiting)
	assert.True(t, f.tone.isPlaying())
	require.Eventually(t, func() bool {
		return f.session.CallState() == sip.StateRegistered
	}, time.Second, 2*time.Millisecond)

	var ended *sinkEvent
	for _, ev := range f.sink.all() {
		if ev.kind == "ended" {
			ended = &ev
			break
		}
	}
	require.NotNil(t, ended)
	assert.Equal(t, call.StatusUnanswered, ended.status)
	assert.Contains(t, ended.errMsg, "timed out")
}

func TestOrchestrator_HangupWhileDialingDiscardsBuffer(t *testing.T) {
	f := newFixture(t, allowAll())

	f.hook.lift()
	f.dial.dial("55")
	assert.Equal(t, "55", f.orch.DialedNumber())

	f.hook.cradle()
	assert.Equal(t, Idle, f.orch.State())
	assert.Empty(t, f.orch.DialedNumber())

	// The pending inter-digit timeout must not place a call.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Idle, f.orch.State())
	assert.Equal(t, sip.StateRegistered, f.session.CallState())

	last, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "cancel", last.kind)
}

func TestOrchestrator_DigitIgnoredWhenNotDialable(t *testing.T) {
	f := newFixture(t, allowAll())

	// On hook: digits do nothing.
	f.dial.dial("5")
	assert.Equal(t, Idle, f.orch.State())
	assert.Empty(t, f.orch.DialedNumber())

	// Connected: digits do nothing either.
	f.hook.lift()
	f.dial.dial("555")
	f.waitState(t, Calling)
	f.session.SimulateCallAnswered()
	f.waitState(t, Connected)

	f.dial.dial("9")
	assert.Equal(t, Connected, f.orch.State())
}

func TestOrchestrator_IncomingCallAnswered(t *testing.T) {
	f := newFixture(t, allowAll())

	f.session.SimulateIncomingCall("+15559876543")
	f.waitState(t, Ringing)
	assert.True(t, f.ringer.isRinging())

	f.hook.lift()
	f.waitState(t, Connected)
	assert.False(t, f.ringer.isRinging())
	require.Eventually(t, func() bool {
		return f.session.CallState() == sip.StateConnected
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, ev := range f.sink.all() {
			if ev.kind == "answered" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	// Remote hangs up; handset still lifted.
	f.session.SimulateCallEnded()
	f.waitState(t, OffHookWaiting)
	assert.True(t, f.tone.isPlaying())

	last, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, call.StatusCompleted, last.status)
}

func TestOrchestrator_IncomingCallIgnoredWhenRinging(t *testing.T) {
	f := newFixture(t, allowAll())

	f.session.SimulateIncomingCall("+15551111111")
	f.waitState(t, Ringing)

	// Phone ignores the ignored-call path; the session stays with the
	// first caller.
	f.orch.onIncomingCall("+15552222222")
	assert.Equal(t, Ringing, f.orch.State())
}

func TestOrchestrator_IncomingMissedOnHangup(t *testing.T) {
	f := newFixture(t, allowAll())

	f.session.SimulateIncomingCall("+15559876543")
	f.waitState(t, Ringing)

	// Remote gives up before anyone answers.
	f.session.SimulateCallEnded()
	f.waitState(t, Idle)
	assert.False(t, f.ringer.isRinging())

	last, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "ended", last.kind)
	assert.Equal(t, call.StatusMissed, last.status)
}

func TestOrchestrator_DisallowedCallerRejected(t *testing.T) {
	f := newFixture(t, &stubRules{allowlist: []string{"+15551234567"}})

	f.session.SimulateIncomingCall("+15550000000")

	// Stays idle, bell never rings, caller gets busy.
	require.Eventually(t, func() bool {
		return f.session.CallState() == sip.StateRegistered
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, Idle, f.orch.State())
	assert.False(t, f.ringer.isRinging())

	require.Eventually(t, func() bool {
		events := f.sink.all()
		return len(events) >= 2 &&
			events[len(events)-1].kind == "ended" &&
			events[len(events)-1].status == call.StatusRejected
	}, time.Second, 2*time.Millisecond)
}

func TestOrchestrator_StaleAttemptTimeoutKeepsLiveTimer(t *testing.T) {
	f := newFixture(t, allowAll())

	f.hook.lift()
	f.dial.dial("555")
	f.waitState(t, Calling)

	f.orch.mu.Lock()
	staleGen := f.orch.callGen - 1
	f.orch.mu.Unlock()

	// A fire left over from a previous attempt must not clear the
	// current attempt's timer or end the call.
	f.orch.onCallAttemptTimeout(staleGen)

	f.orch.mu.Lock()
	timerAlive := f.orch.attemptTimer != nil
	f.orch.mu.Unlock()
	assert.True(t, timerAlive)
	assert.Equal(t, Calling, f.orch.State())

	f.session.SimulateCallAnswered()
	f.waitState(t, Connected)
}

type failingRejectSession struct {
	*sip.Memory
}

func (s *failingRejectSession) RejectCall() error {
	return errors.New("transport down")
}

func TestOrchestrator_RejectFailureStillRecorded(t *testing.T) {
	scheduler := sched.New()
	t.Cleanup(scheduler.Stop)

	mem := sip.NewMemory(sip.MemoryConfig{})
	session := &failingRejectSession{Memory: mem}
	sink := &recordingSink{}

	orch := New(&stubRules{allowlist: []string{"+15551234567"}},
		&fakeHook{state: hook.OnHook}, &fakeDial{}, &fakeRinger{}, &fakeTone{},
		session, sink, scheduler, Config{
			InterDigitTimeout:  30 * time.Millisecond,
			CallAttemptTimeout: 150 * time.Millisecond,
			Account:            Account{URI: "sip:phone@example.com", Username: "phone"},
		})
	require.NoError(t, orch.Start())
	t.Cleanup(orch.Stop)

	mem.SimulateIncomingCall("+15550000000")

	// The rejection is recorded even though the SIP reject failed.
	require.Eventually(t, func() bool {
		events := sink.all()
		return len(events) == 2 &&
			events[0].kind == "inbound" &&
			events[1].kind == "ended" &&
			events[1].status == call.StatusRejected
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, Idle, orch.State())
}

type failingAnswerSession struct {
	*sip.Memory
}

func (s *failingAnswerSession) AnswerCall() error {
	return errors.New("no media")
}

func TestOrchestrator_AnswerFailureEntersError(t *testing.T) {
	scheduler := sched.New()
	t.Cleanup(scheduler.Stop)

	mem := sip.NewMemory(sip.MemoryConfig{})
	session := &failingAnswerSession{Memory: mem}
	hookMon := &fakeHook{state: hook.OnHook}
	sink := &recordingSink{}

	orch := New(allowAll(), hookMon, &fakeDial{}, &fakeRinger{}, &fakeTone{}, session, sink, scheduler, Config{
		InterDigitTimeout:  30 * time.Millisecond,
		CallAttemptTimeout: 60 * time.Millisecond,
		Account:            Account{URI: "sip:phone@example.com", Username: "phone"},
	})
	require.NoError(t, orch.Start())
	t.Cleanup(orch.Stop)

	mem.SimulateIncomingCall("+15559876543")
	require.Eventually(t, func() bool {
		return orch.State() == Ringing
	}, time.Second, 2*time.Millisecond)

	hookMon.lift()
	require.Eventually(t, func() bool {
		return orch.State() == Error
	}, time.Second, 2*time.Millisecond)
	assert.Contains(t, orch.ErrorMessage(), "Failed to answer")

	last, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, "ended", last.kind)
	assert.Equal(t, call.StatusFailed, last.status)
}

func TestPhoneState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{OffHookWaiting, "off_hook_waiting"},
		{Dialing, "dialing"},
		{Validating, "validating"},
		{Calling, "calling"},
		{Ringing, "ringing"},
		{Connected, "connected"},
		{Error, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
