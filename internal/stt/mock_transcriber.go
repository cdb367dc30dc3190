package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (Transcription, error) {
	mode := "interim"
	if final {
		mode = "final"
	}
	seconds := 0.0
	if sampleRate > 0 && channels > 0 {
		seconds = float64(len(pcm)) / float64(2*sampleRate*channels)
	}
	return Transcription{
		Text: fmt.Sprintf("[%s speech %.1fs]", mode, seconds),
	}, nil
}
