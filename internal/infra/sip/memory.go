package sip

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// Memory is an in-process Session that simulates a SIP endpoint without
// a server. It backs tests and the --mock run mode; the Simulate*
// methods stand in for remote-party actions.
type Memory struct {
	connectDelay time.Duration

	mu          sync.Mutex
	state       State
	events      Events
	accountURI  string
	username    string
	destination string
	callerID    string
	timer       *time.Timer
}

// MemoryConfig holds Memory construction parameters.
type MemoryConfig struct {
	// ConnectDelayMs simulates the remote party answering after a
	// delay. Zero means the call connects on SimulateCallAnswered only.
	ConnectDelayMs int `mapstructure:"connect_delay_ms"`
}

// NewMemory creates an in-memory session.
func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{connectDelay: time.Duration(cfg.ConnectDelayMs) * time.Millisecond}
}

// SetEvents sets the event callbacks.
func (m *Memory) SetEvents(ev Events) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = ev
}

// Register simulates registration; it completes immediately.
func (m *Memory) Register(accountURI, username, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return errors.Newf("sip: cannot register in state %s", m.state)
	}
	m.accountURI = accountURI
	m.username = username
	m.setStateLocked(StateRegistered)
	zlog.Info().Msgf("sip: registered (memory): %s (user: %s)", accountURI, username)
	return nil
}

// Unregister drops the registration and any simulated call.
func (m *Memory) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	zlog.Info().Msgf("sip: unregistering (memory): %s", m.accountURI)
	m.accountURI = ""
	m.username = ""
	m.destination = ""
	m.callerID = ""
	m.setStateLocked(StateIdle)
	return nil
}

// MakeCall starts a simulated outbound call. With a connect delay the
// remote party auto-answers after it; otherwise the call stays in
// StateCalling until SimulateCallAnswered.
func (m *Memory) MakeCall(destination string) error {
	m.mu.Lock()

	if m.state != StateRegistered {
		state := m.state
		m.mu.Unlock()
		return errors.Newf("sip: cannot make call in state %s", state)
	}
	m.destination = destination
	m.setStateLocked(StateCalling)
	zlog.Info().Msgf("sip: making call to %s (memory)", destination)

	if m.connectDelay > 0 {
		m.timer = time.AfterFunc(m.connectDelay, m.SimulateCallAnswered)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return nil
}

// AnswerCall answers the simulated inbound call.
func (m *Memory) AnswerCall() error {
	m.mu.Lock()
	if m.state != StateRinging {
		state := m.state
		m.mu.Unlock()
		return errors.Newf("sip: cannot answer in state %s", state)
	}
	m.setStateLocked(StateConnected)
	zlog.Info().Msgf("sip: call answered from %s (memory)", m.callerID)
	ev := m.events
	m.mu.Unlock()

	if ev.OnCallAnswered != nil {
		ev.OnCallAnswered()
	}
	return nil
}

// Hangup terminates the active or pending call.
func (m *Memory) Hangup() error {
	m.mu.Lock()
	if m.state != StateCalling && m.state != StateRinging && m.state != StateConnected {
		m.mu.Unlock()
		return nil
	}
	zlog.Info().Msg("sip: hanging up (memory)")
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.destination = ""
	m.callerID = ""
	m.setStateLocked(StateDisconnected)
	m.setStateLocked(StateRegistered)
	ev := m.events
	m.mu.Unlock()

	if ev.OnCallEnded != nil {
		ev.OnCallEnded()
	}
	return nil
}

// RejectCall declines the simulated inbound call.
func (m *Memory) RejectCall() error {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return nil
	}
	zlog.Info().Msgf("sip: rejecting call from %s (memory)", m.callerID)
	m.callerID = ""
	m.setStateLocked(StateDisconnected)
	m.setStateLocked(StateRegistered)
	ev := m.events
	m.mu.Unlock()

	if ev.OnCallEnded != nil {
		ev.OnCallEnded()
	}
	return nil
}

// CallState returns the current signaling state.
func (m *Memory) CallState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentPeer returns the destination of an outbound call or the caller
// of an inbound one.
func (m *Memory) CurrentPeer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destination != "" {
		return m.destination
	}
	return m.callerID
}

// SimulateIncomingCall injects an inbound call from callerID.
func (m *Memory) SimulateIncomingCall(callerID string) {
	m.mu.Lock()
	if m.state != StateRegistered {
		zlog.Warn().Msgf("sip: cannot receive call in state %s (memory)", m.state)
		m.mu.Unlock()
		return
	}
	m.callerID = callerID
	m.setStateLocked(StateRinging)
	zlog.Info().Msgf("sip: incoming call from %s (memory)", callerID)
	ev := m.events
	m.mu.Unlock()

	if ev.OnIncomingCall != nil {
		ev.OnIncomingCall(callerID)
	}
}

// SimulateCallAnswered makes the remote party answer the outbound call.
func (m *Memory) SimulateCallAnswered() {
	m.mu.Lock()
	if m.state != StateCalling {
		zlog.Warn().Msgf("sip: cannot answer in state %s (memory)", m.state)
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.setStateLocked(StateConnected)
	zlog.Info().Msgf("sip: call connected: %s (memory)", m.destination)
	ev := m.events
	m.mu.Unlock()

	if ev.OnCallAnswered != nil {
		ev.OnCallAnswered()
	}
}

// SimulateCallEnded makes the remote party end the ringing or connected
// call.
func (m *Memory) SimulateCallEnded() {
	m.mu.Lock()
	if m.state != StateRinging && m.state != StateConnected {
		zlog.Warn().Msgf("sip: no active call to end in state %s (memory)", m.state)
		m.mu.Unlock()
		return
	}
	zlog.Info().Msg("sip: call ended by remote (memory)")
	m.destination = ""
	m.callerID = ""
	m.setStateLocked(StateDisconnected)
	m.setStateLocked(StateRegistered)
	ev := m.events
	m.mu.Unlock()

	if ev.OnCallEnded != nil {
		ev.OnCallEnded()
	}
}

func (m *Memory) setStateLocked(state State) {
	old := m.state
	m.state = state
	zlog.Debug().Msgf("sip: call state changed: %s -> %s", old, state)
}
