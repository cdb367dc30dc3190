package protocol

import "time"

// AudioFrame represents PCM audio captured by the microphone surface.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AudioChunk is synthesized speech headed for the playback surface.
type AudioChunk struct {
	SessionID   string  `json:"session_id"`
	UtteranceID string  `json:"utterance_id"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
	Sequence    int     `json:"sequence"`
	Rate        float64 `json:"rate"`
	Pitch       float64 `json:"pitch"`
	Volume      float64 `json:"volume"`
	PCM         []byte  `json:"pcm"`
	Final       bool    `json:"final"`
}

// UtteranceStatus reports start/end/cancel signals of one utterance.
type UtteranceStatus struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Transcript represents recognition output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// ActiveCaption is the caption resolved for a playback position.
type ActiveCaption struct {
	SessionID string    `json:"session_id"`
	Position  float64   `json:"position"`
	Text      string    `json:"text"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalysisOutcome announces a published analysis result.
type AnalysisOutcome struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PreferencesChanged carries the full preference state after a change.
type PreferencesChanged struct {
	SessionID string    `json:"session_id"`
	State     any       `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSStatus         = "tts.status"

	SubjectPreferences = "access.preferences"
	SubjectCaption     = "access.caption"
	SubjectTranscript  = "access.transcript"
	SubjectAnalysis    = "access.analysis"
)
