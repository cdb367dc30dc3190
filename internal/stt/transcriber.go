package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/accessbridge/internal/config"
)

// Transcription captures transcriber output.
type Transcription struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts the STT backends used by the recognition device.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (Transcription, error)
}

// NewTranscriber builds the configured backend.
func NewTranscriber(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecTranscriber(cfg)
	case "mock", "":
		return NewMockTranscriber(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
