package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	perWord    time.Duration
}

// NewMockSynth returns a synthesizer that emits one silent chunk per word.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perWord: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := strings.Fields(req.Text)
		if len(words) == 0 {
			words = []string{""}
		}
		step := m.perWord
		if req.Rate > 0 {
			step = time.Duration(float64(step) / req.Rate)
		}
		for i := range words {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(step):
			}
			chunk := SynthChunk{
				UtteranceID: req.UtteranceID,
				Sequence:    i,
				SampleRate:  m.sampleRate,
				Channels:    m.channels,
				PCM:         make([]byte, m.sampleRate/50*2*m.channels),
				Final:       i == len(words)-1,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}
