// Package calllog tracks call activity and persists call history.
package calllog

import (
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/dialbox/internal/domain/call"
)

// Sink receives call lifecycle notifications from the orchestrator.
// Implementations must never fail the call flow: persistence errors are
// logged and swallowed.
type Sink interface {
	// OutboundStarted begins tracking a placed outbound call.
	OutboundStarted(dialedNumber, destination, speedDialCode string)
	// InboundStarted begins tracking a ringing inbound call.
	InboundStarted(callerID string)
	// CallAnswered marks the tracked call as answered.
	CallAnswered()
	// CallEnded finalizes and persists the tracked call.
	CallEnded(status call.Status, errorMessage string)
	// CallRejected records a call that never started because
	// validation denied it.
	CallRejected(dialedNumber, reason string)
	// CancelPending drops the tracked call without persisting it, for
	// hangups before the call was placed.
	CancelPending()
}

// Tracker is the Sink used in production. It holds at most one pending
// call and writes finalized records to a Store.
type Tracker struct {
	store Store

	mu      sync.Mutex
	pending *call.Record
}

// NewTracker creates a Tracker on top of store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// OutboundStarted begins tracking an outbound call. A leftover pending
// call is discarded with a warning.
func (t *Tracker) OutboundStarted(dialedNumber, destination, speedDialCode string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		zlog.Warn().Msg("calllog: new call while previous still tracked, discarding")
	}
	rec := call.NewOutbound(dialedNumber, destination, speedDialCode)
	t.pending = &rec
	zlog.Debug().Msgf("calllog: tracking outbound call to %s (dialed: %s, speed_dial: %s)",
		destination, dialedNumber, speedDialCode)
}

// InboundStarted begins tracking an inbound call.
func (t *Tracker) InboundStarted(callerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		zlog.Warn().Msg("calllog: new call while previous still tracked, discarding")
	}
	rec := call.NewInbound(callerID)
	t.pending = &rec
	zlog.Debug().Msgf("calllog: tracking inbound call from %s", callerID)
}

// CallAnswered stamps the answer time on the tracked call.
func (t *Tracker) CallAnswered() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		zlog.Warn().Msg("calllog: call answered but no call being tracked")
		return
	}
	t.pending.MarkAnswered(time.Now().UTC())
}

// CallEnded finalizes the tracked call and persists it. Store failures
// are logged, never propagated.
func (t *Tracker) CallEnded(status call.Status, errorMessage string) {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if pending == nil {
		zlog.Warn().Msg("calllog: call ended but no call being tracked")
		return
	}

	pending.Finalize(status, time.Now().UTC(), errorMessage)

	if err := t.store.Add(*pending); err != nil {
		zlog.Error().Err(err).Msg("calllog: failed to save call record")
		return
	}
	zlog.Info().Msgf("calllog: logged %s call %s (duration=%ds, status=%s)",
		pending.Direction, pending.Peer(), pending.DurationSeconds, status)
}

// CallRejected persists a record for a call denied before placement.
func (t *Tracker) CallRejected(dialedNumber, reason string) {
	// Destination equals the dialed number since nothing was expanded.
	rec := call.NewOutbound(dialedNumber, dialedNumber, "")
	rec.Finalize(call.StatusRejected, time.Now().UTC(), reason)

	if err := t.store.Add(rec); err != nil {
		zlog.Error().Err(err).Msg("calllog: failed to save rejected call record")
		return
	}
	zlog.Info().Msgf("calllog: logged rejected call to %s: %s", dialedNumber, reason)
}

// CancelPending drops the tracked call without persisting it.
func (t *Tracker) CancelPending() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		zlog.Debug().Msg("calllog: cancelled tracking of pending call")
		t.pending = nil
	}
}

// HasPending reports whether a call is currently tracked.
func (t *Tracker) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) OutboundStarted(string, string, string) {}
func (Nop) InboundStarted(string)                  {}
func (Nop) CallAnswered()                          {}
func (Nop) CallEnded(call.Status, string)          {}
func (Nop) CallRejected(string, string)            {}
func (Nop) CancelPending()                         {}
