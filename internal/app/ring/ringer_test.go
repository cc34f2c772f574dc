package ring

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/infra/gpio"
)

const testRingerPin = 23

func newTestRinger(t *testing.T) (*Ringer, *gpio.Sim) {
	t.Helper()

	sim := gpio.NewSim()
	scheduler := sched.New()
	t.Cleanup(scheduler.Stop)

	r, err := NewRinger(sim, scheduler, RingerConfig{
		Pin:    testRingerPin,
		OnDur:  20 * time.Millisecond,
		OffDur: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(r.StopRinging)

	return r, sim
}

func TestRinger_StartDrivesBellHigh(t *testing.T) {
	r, sim := newTestRinger(t)

	r.StartRinging()
	assert.True(t, r.IsRinging())
	assert.Equal(t, gpio.High, sim.Level(testRingerPin))
}

func TestRinger_CadenceToggles(t *testing.T) {
	r, sim := newTestRinger(t)

	r.StartRinging()
	require.Eventually(t, func() bool {
		return sim.Level(testRingerPin) == gpio.Low
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		return sim.Level(testRingerPin) == gpio.High
	}, time.Second, 2*time.Millisecond)
	assert.True(t, r.IsRinging())
}

func TestRinger_StopSilencesBell(t *testing.T) {
	r, sim := newTestRinger(t)

	r.StartRinging()
	r.StopRinging()

	assert.False(t, r.IsRinging())
	assert.Equal(t, gpio.Low, sim.Level(testRingerPin))

	// Bell must stay low once stopped.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, gpio.Low, sim.Level(testRingerPin))
}

func TestRinger_StartIsIdempotent(t *testing.T) {
	r, _ := newTestRinger(t)

	r.StartRinging()
	r.StartRinging()
	assert.True(t, r.IsRinging())

	r.StopRinging()
	r.StopRinging()
	assert.False(t, r.IsRinging())
}

func TestDialTone_StartStop(t *testing.T) {
	d := NewDialTone(DialToneConfig{File: "tone.wav"})

	var plays atomic.Int32
	d.playOnce = func(ctx context.Context) error {
		plays.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil
	}

	d.Start()
	assert.True(t, d.IsPlaying())
	d.Start() // idempotent

	require.Eventually(t, func() bool {
		return plays.Load() >= 2
	}, time.Second, 2*time.Millisecond)

	d.Stop()
	assert.False(t, d.IsPlaying())
	d.Stop() // idempotent

	got := plays.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, got, plays.Load())
}

func TestGenerateDialTone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialtone.wav")
	require.NoError(t, GenerateDialTone(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	require.NoError(t, dec.Err())
	assert.Equal(t, uint32(toneRate), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Equal(t, uint16(toneBitDepth), dec.BitDepth)
}
