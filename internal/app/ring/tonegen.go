package ring

import (
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// North American dial tone: 350 Hz + 440 Hz mixed at equal amplitude.
const (
	toneFreqA    = 350.0
	toneFreqB    = 440.0
	toneRate     = 8000
	toneBitDepth = 16
	toneSeconds  = 2
)

// GenerateDialTone writes a dial tone WAV to path. The file is short
// and the player loops it, so two seconds is plenty.
func GenerateDialTone(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "ring: create tone file")
	}
	defer f.Close()

	n := toneRate * toneSeconds
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: toneRate},
		SourceBitDepth: toneBitDepth,
		Data:           make([]int, n),
	}
	// Headroom of 0.4 per component keeps the mix well below clipping.
	const amp = 0.4 * math.MaxInt16
	for i := 0; i < n; i++ {
		t := float64(i) / toneRate
		s := math.Sin(2*math.Pi*toneFreqA*t) + math.Sin(2*math.Pi*toneFreqB*t)
		buf.Data[i] = int(amp * s)
	}

	enc := wav.NewEncoder(f, toneRate, toneBitDepth, 1, 1)
	if err := enc.Write(buf); err != nil {
		return errors.Wrap(err, "ring: encode tone")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "ring: finalize tone file")
	}
	return nil
}
