package sip

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	zlog "github.com/rs/zerolog/log"
)

// hangupTimeout bounds the BYE transaction.
const hangupTimeout = 5 * time.Second

// Diago is a Session backed by the diago SIP stack over UDP.
type Diago struct {
	ua *sipgo.UserAgent
	dg *diago.Diago

	serverHost string
	serverPort int

	mu           sync.Mutex
	state        State
	events       Events
	serveCancel  context.CancelFunc
	registerStop context.CancelFunc
	outbound     *diago.DialogClientSession
	inbound      *diago.DialogServerSession
	inviteCancel context.CancelFunc
}

// DiagoConfig holds Diago construction parameters.
type DiagoConfig struct {
	UserAgent  string `mapstructure:"user_agent"`
	BindHost   string `mapstructure:"bind_host"`
	BindPort   int    `mapstructure:"bind_port"`
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
}

// NewDiago creates the UDP endpoint and starts serving inbound dialogs.
func NewDiago(cfg DiagoConfig) (*Diago, error) {
	agent := cfg.UserAgent
	if agent == "" {
		agent = "dialbox"
	}
	bindHost := cfg.BindHost
	if bindHost == "" {
		bindHost = "0.0.0.0"
	}
	bindPort := cfg.BindPort
	if bindPort == 0 {
		bindPort = 5060
	}
	serverPort := cfg.ServerPort
	if serverPort == 0 {
		serverPort = 5060
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(agent))
	if err != nil {
		return nil, errors.Wrap(err, "sip: create user agent")
	}

	dg := diago.NewDiago(ua, diago.WithTransport(diago.Transport{
		Transport: "udp",
		BindHost:  bindHost,
		BindPort:  bindPort,
	}))

	s := &Diago{
		ua:         ua,
		dg:         dg,
		serverHost: cfg.ServerHost,
		serverPort: serverPort,
		state:      StateIdle,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.serveCancel = cancel
	go func() {
		if err := dg.Serve(ctx, s.onInvite); err != nil && ctx.Err() == nil {
			zlog.Error().Err(err).Msg("sip: serve stopped")
		}
	}()

	zlog.Info().Msgf("sip: endpoint listening on %s:%d/udp", bindHost, bindPort)
	return s, nil
}

// SetEvents sets the event callbacks.
func (s *Diago) SetEvents(ev Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = ev
}

// Register starts a registration that re-registers in the background
// until Unregister.
func (s *Diago) Register(accountURI, username, password string) error {
	var recipient sipmsg.Uri
	if err := sipmsg.ParseUri(accountURI, &recipient); err != nil {
		return errors.Wrapf(err, "sip: parse account uri %q", accountURI)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return errors.Newf("sip: cannot register in state %s", state)
	}
	s.state = StateRegistering
	ctx, cancel := context.WithCancel(context.Background())
	s.registerStop = cancel
	s.mu.Unlock()

	zlog.Info().Msgf("sip: registering %s (user: %s)", accountURI, username)

	// diago's Register blocks and maintains the registration; it only
	// returns on failure or cancel.
	go func() {
		s.mu.Lock()
		if s.state == StateRegistering {
			s.state = StateRegistered
		}
		s.mu.Unlock()

		err := s.dg.Register(ctx, recipient, diago.RegisterOptions{
			Username: username,
			Password: password,
		})
		if err != nil && ctx.Err() == nil {
			zlog.Error().Err(err).Msg("sip: registration lost")
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
		}
	}()
	return nil
}

// Unregister stops the registration loop.
func (s *Diago) Unregister() error {
	s.mu.Lock()
	stop := s.registerStop
	s.registerStop = nil
	s.state = StateIdle
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	zlog.Info().Msg("sip: unregistered")
	return nil
}

// Close tears down the endpoint.
func (s *Diago) Close() error {
	_ = s.Unregister()
	s.mu.Lock()
	cancel := s.serveCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.ua.Close()
}

// MakeCall dials destination and blocks until the remote party answers
// or the attempt fails. Hangup during the attempt cancels it.
func (s *Diago) MakeCall(destination string) error {
	recipient, err := s.destinationURI(destination)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateRegistered {
		state := s.state
		s.mu.Unlock()
		return errors.Newf("sip: cannot make call in state %s", state)
	}
	s.state = StateCalling
	ctx, cancel := context.WithCancel(context.Background())
	s.inviteCancel = cancel
	s.mu.Unlock()

	zlog.Info().Msgf("sip: inviting %s", destination)

	dialog, err := s.dg.Invite(ctx, recipient, diago.InviteOptions{})

	s.mu.Lock()
	s.inviteCancel = nil
	if err != nil {
		if s.state == StateCalling {
			s.state = StateRegistered
		}
		s.mu.Unlock()
		return errors.Wrapf(err, "sip: invite %s", destination)
	}
	s.outbound = dialog
	s.state = StateConnected
	ev := s.events
	s.mu.Unlock()

	zlog.Info().Msgf("sip: call connected: %s", destination)
	if ev.OnCallAnswered != nil {
		ev.OnCallAnswered()
	}

	go s.watchDialog(dialog)
	return nil
}

// AnswerCall answers the pending inbound dialog.
func (s *Diago) AnswerCall() error {
	s.mu.Lock()
	if s.state != StateRinging || s.inbound == nil {
		state := s.state
		s.mu.Unlock()
		return errors.Newf("sip: cannot answer in state %s", state)
	}
	dialog := s.inbound
	s.mu.Unlock()

	if err := dialog.Answer(); err != nil {
		return errors.Wrap(err, "sip: answer")
	}

	s.mu.Lock()
	s.state = StateConnected
	ev := s.events
	s.mu.Unlock()

	zlog.Info().Msgf("sip: call answered from %s", dialog.FromUser())
	if ev.OnCallAnswered != nil {
		ev.OnCallAnswered()
	}
	return nil
}

// Hangup terminates the active call, or cancels an attempt in flight.
func (s *Diago) Hangup() error {
	s.mu.Lock()
	cancel := s.inviteCancel
	outbound := s.outbound
	inbound := s.inbound
	s.mu.Unlock()

	if cancel != nil {
		zlog.Info().Msg("sip: canceling call attempt")
		cancel()
		return nil
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancelTimeout()

	switch {
	case outbound != nil:
		zlog.Info().Msg("sip: hanging up outbound call")
		return errors.Wrap(outbound.Hangup(ctx), "sip: hangup")
	case inbound != nil:
		zlog.Info().Msg("sip: hanging up inbound call")
		return errors.Wrap(inbound.Hangup(ctx), "sip: hangup")
	default:
		return nil
	}
}

// RejectCall declines the pending inbound dialog with 486.
func (s *Diago) RejectCall() error {
	s.mu.Lock()
	if s.state != StateRinging || s.inbound == nil {
		s.mu.Unlock()
		return nil
	}
	dialog := s.inbound
	s.mu.Unlock()

	zlog.Info().Msgf("sip: rejecting call from %s", dialog.FromUser())
	return errors.Wrap(
		dialog.Respond(sipmsg.StatusBusyHere, "Busy Here", nil),
		"sip: reject",
	)
}

// CallState returns the current signaling state.
func (s *Diago) CallState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// onInvite handles an inbound dialog. It must not return until the
// dialog is finished; returning releases it.
func (s *Diago) onInvite(inDialog *diago.DialogServerSession) {
	caller := inDialog.FromUser()

	s.mu.Lock()
	if s.state != StateRegistered {
		state := s.state
		s.mu.Unlock()
		zlog.Warn().Msgf("sip: rejecting call from %s, busy in state %s", caller, state)
		_ = inDialog.Respond(sipmsg.StatusBusyHere, "Busy Here", nil)
		return
	}
	s.inbound = inDialog
	s.state = StateRinging
	ev := s.events
	s.mu.Unlock()

	zlog.Info().Msgf("sip: incoming call from %s", caller)
	if err := inDialog.Ringing(); err != nil {
		zlog.Error().Err(err).Msg("sip: send ringing")
	}
	if ev.OnIncomingCall != nil {
		ev.OnIncomingCall(caller)
	}

	<-inDialog.Context().Done()
	s.dialogEnded()
}

// watchDialog waits for an outbound dialog to finish.
func (s *Diago) watchDialog(dialog *diago.DialogClientSession) {
	<-dialog.Context().Done()
	s.dialogEnded()
}

// dialogEnded clears call state and reports the end once per dialog.
func (s *Diago) dialogEnded() {
	s.mu.Lock()
	if s.outbound == nil && s.inbound == nil {
		s.mu.Unlock()
		return
	}
	s.outbound = nil
	s.inbound = nil
	wasActive := s.state == StateCalling || s.state == StateRinging || s.state == StateConnected
	if s.state != StateIdle {
		s.state = StateRegistered
	}
	ev := s.events
	s.mu.Unlock()

	if !wasActive {
		return
	}
	zlog.Info().Msg("sip: call ended")
	if ev.OnCallEnded != nil {
		ev.OnCallEnded()
	}
}

// destinationURI builds the request URI for a dialed number. A full SIP
// URI passes through; a bare number targets the configured server.
func (s *Diago) destinationURI(destination string) (sipmsg.Uri, error) {
	var uri sipmsg.Uri
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		if err := sipmsg.ParseUri(destination, &uri); err != nil {
			return uri, errors.Wrapf(err, "sip: parse destination %q", destination)
		}
		return uri, nil
	}
	if s.serverHost == "" {
		return uri, errors.New("sip: no server configured for bare number dialing")
	}
	return sipmsg.Uri{User: destination, Host: s.serverHost, Port: s.serverPort}, nil
}
