// Package sip abstracts the VoIP signaling backend.
package sip

// State is the signaling-level call state of a session.
type State int

const (
	StateIdle         State = iota // Not registered
	StateRegistering               // Registration in flight
	StateRegistered                // Registered, no call activity
	StateCalling                   // Outbound call attempt in progress
	StateRinging                   // Inbound call ringing
	StateConnected                 // Call established
	StateDisconnected              // Call just ended
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Events are the callbacks a Session fires. All callbacks are invoked
// outside the session's internal lock, so handlers may call back into
// the session.
type Events struct {
	// OnIncomingCall fires when an inbound call arrives, with the
	// caller's user part.
	OnIncomingCall func(callerID string)
	// OnCallAnswered fires when a call is established, for both
	// directions.
	OnCallAnswered func()
	// OnCallEnded fires when a ringing or established call terminates,
	// regardless of which side ended it.
	OnCallEnded func()
}

// Session is a registered endpoint on a SIP account. Implementations
// must be safe for concurrent use.
//
// MakeCall may block until the remote party answers or the attempt
// fails; callers that must not block dispatch it on a goroutine. The
// answer itself is always reported through Events.OnCallAnswered.
type Session interface {
	SetEvents(ev Events)
	Register(accountURI, username, password string) error
	Unregister() error
	MakeCall(destination string) error
	AnswerCall() error
	Hangup() error
	RejectCall() error
	CallState() State
}
