package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	UtteranceID string
	Text        string
	Voice       string
	Rate        float64
	Pitch       float64
	Volume      float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	UtteranceID string
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Utterance is one text-to-speech playback request.
type Utterance struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Signal is a lifecycle signal reported by a synthesis device.
type Signal string

const (
	SignalStart  Signal = "started"
	SignalEnd    Signal = "ended"
	SignalCancel Signal = "cancelled"
	SignalError  Signal = "failed"
)

// Event is a device signal for one utterance.
type Event struct {
	UtteranceID string
	Signal      Signal
	Err         error
}

// Device plays utterances. Play blocks until the utterance ends, fails or ctx
// is cancelled; no audio for the utterance is produced after it returns.
type Device interface {
	Play(ctx context.Context, u Utterance, emit func(Event))
}
