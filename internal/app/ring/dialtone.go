package ring

import (
	"context"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// DialTone loops a tone file through an external player while the
// caller has not yet completed dialing. Start and Stop are idempotent.
type DialTone struct {
	file   string
	player string

	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}

	// playOnce runs one pass of the tone; overridable so tests do not
	// need an audio device.
	playOnce func(ctx context.Context) error
}

// DialToneConfig holds DialTone construction parameters.
type DialToneConfig struct {
	File   string // Path to the tone WAV
	Player string // Player binary, default "aplay"
}

// NewDialTone creates a DialTone player.
func NewDialTone(cfg DialToneConfig) *DialTone {
	player := cfg.Player
	if player == "" {
		player = "aplay"
	}
	d := &DialTone{
		file:   cfg.File,
		player: player,
	}
	d.playOnce = d.runPlayer
	return d
}

// Start begins looping the tone. No-op if already playing.
func (d *DialTone) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.playing {
		return
	}
	d.playing = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, d.done)

	zlog.Info().Msgf("ring: dial tone started: file=%s", d.file)
}

// Stop kills the player and waits for the loop to exit. No-op if not
// playing.
func (d *DialTone) Stop() {
	d.mu.Lock()
	if !d.playing {
		d.mu.Unlock()
		return
	}
	d.playing = false
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()

	cancel()
	<-done
	zlog.Info().Msg("ring: dial tone stopped")
}

// IsPlaying reports whether the tone loop is active.
func (d *DialTone) IsPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// loop plays the tone back to back until the context is canceled.
func (d *DialTone) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if err := d.playOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			zlog.Error().Err(err).Msg("ring: dial tone playback failed")
			// Back off by waiting for cancel rather than spinning on a
			// broken player.
			<-ctx.Done()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (d *DialTone) runPlayer(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, d.player, d.file)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "run %s", d.player)
	}
	return nil
}
