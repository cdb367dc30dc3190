package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/accessbridge/internal/bus"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/protocol"
)

// BusDevice synthesizes utterances and streams the audio to the playback
// surface over the bus.
type BusDevice struct {
	cfg       config.TTSConfig
	sessionID string
	bus       *bus.Client
	synth     Synthesizer
	logger    *slog.Logger
}

func NewBusDevice(cfg config.TTSConfig, sessionID string, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *BusDevice {
	return &BusDevice{
		cfg:       cfg,
		sessionID: sessionID,
		bus:       busClient,
		synth:     synth,
		logger:    log.With(slog.String("component", "tts-device")),
	}
}

// NewSynthesizer builds the configured synthesis backend.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func (d *BusDevice) Play(ctx context.Context, u Utterance, emit func(Event)) {
	chunks, errs := d.synth.Synthesize(ctx, SynthRequest{
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       d.cfg.Voice,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
		Volume:      u.Volume,
	})

	started := false
	sequence := 0
	finish := func(sig Signal, err error) {
		d.publishStatus(u.ID, sig, err)
		emit(Event{UtteranceID: u.ID, Signal: sig, Err: err})
	}

	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			finish(SignalCancel, nil)
			return
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if ctx.Err() != nil {
				finish(SignalCancel, nil)
				return
			}
			if !started {
				started = true
				finish(SignalStart, nil)
			}
			d.publishChunk(u, sequence, chunk)
			sequence++
			if chunk.Final {
				finish(SignalEnd, nil)
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				finish(SignalCancel, nil)
				return
			}
			d.logger.Warn("tts synthesis error", slogError(err))
			finish(SignalError, err)
			return
		}
	}
	if ctx.Err() != nil {
		finish(SignalCancel, nil)
		return
	}
	if !started {
		finish(SignalStart, nil)
	}
	finish(SignalEnd, nil)
}

func (d *BusDevice) publishChunk(u Utterance, sequence int, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:   d.sessionID,
		UtteranceID: u.ID,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    sequence,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
		Volume:      u.Volume,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	}
	if err := d.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		d.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (d *BusDevice) publishStatus(utteranceID string, sig Signal, cause error) {
	msg := protocol.UtteranceStatus{
		SessionID:   d.sessionID,
		UtteranceID: utteranceID,
		Status:      string(sig),
		Timestamp:   time.Now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	if err := d.bus.PublishJSON(protocol.SubjectTTSStatus, msg); err != nil {
		d.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
