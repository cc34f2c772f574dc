// Package call provides the call record domain entity.
package call

import (
	"time"

	"github.com/google/uuid"
)

// Direction indicates who initiated a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the terminal status of a call.
type Status string

const (
	StatusCompleted  Status = "completed"  // Connected and ended normally
	StatusMissed     Status = "missed"     // Inbound call that was never answered
	StatusUnanswered Status = "unanswered" // Outbound call that was never answered
	StatusFailed     Status = "failed"     // A SIP operation failed mid-call
	StatusRejected   Status = "rejected"   // Blocked by the allowlist before any SIP contact
	StatusUnknown    Status = "unknown"
)

// Record represents one logged phone call.
type Record struct {
	ID              string     `msgpack:"id"`
	Timestamp       time.Time  `msgpack:"timestamp"` // When the call started (UTC)
	Direction       Direction  `msgpack:"direction"`
	CallerID        string     `msgpack:"caller_id,omitempty"`       // Inbound calls only
	DialedNumber    string     `msgpack:"dialed_number,omitempty"`   // As dialed, before speed-dial expansion
	Destination     string     `msgpack:"destination,omitempty"`     // After speed-dial expansion
	SpeedDialCode   string     `msgpack:"speed_dial_code,omitempty"` // Empty for direct dial
	Status          Status     `msgpack:"status"`
	DurationSeconds int        `msgpack:"duration_seconds"` // 0 if never answered
	AnsweredAt      *time.Time `msgpack:"answered_at,omitempty"`
	EndedAt         *time.Time `msgpack:"ended_at,omitempty"`
	ErrorMessage    string     `msgpack:"error_message,omitempty"`
}

// NewOutbound creates a record for an outbound call attempt.
func NewOutbound(dialed, destination, speedDialCode string) Record {
	return Record{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Direction:     DirectionOutbound,
		DialedNumber:  dialed,
		Destination:   destination,
		SpeedDialCode: speedDialCode,
	}
}

// NewInbound creates a record for an inbound call.
func NewInbound(callerID string) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Direction: DirectionInbound,
		CallerID:  callerID,
	}
}

// MarkAnswered records the answer time.
func (r *Record) MarkAnswered(t time.Time) {
	utc := t.UTC()
	r.AnsweredAt = &utc
}

// Finalize stamps the end of the call and computes the connected duration.
// Duration is zero for calls that were never answered.
func (r *Record) Finalize(status Status, endedAt time.Time, errorMessage string) {
	utc := endedAt.UTC()
	r.EndedAt = &utc
	r.Status = status
	r.ErrorMessage = errorMessage
	if r.AnsweredAt != nil {
		r.DurationSeconds = int(utc.Sub(*r.AnsweredAt).Seconds())
		if r.DurationSeconds < 0 {
			r.DurationSeconds = 0
		}
	}
}

// Peer returns the remote party: caller ID for inbound calls,
// destination for outbound.
func (r *Record) Peer() string {
	if r.Direction == DirectionInbound {
		return r.CallerID
	}
	return r.Destination
}
