package stt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/accessbridge/internal/bus"
	"github.com/loqalabs/accessbridge/internal/config"
	"github.com/loqalabs/accessbridge/internal/natsserver"
	"github.com/loqalabs/accessbridge/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func publishFrame(t *testing.T, client *bus.Client, frame protocol.AudioFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectAudioFramePrefix+"."+frame.SessionID, data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBusDeviceFinalFrameProducesResult(t *testing.T) {
	client := startBus(t)
	finals, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe transcripts: %v", err)
	}

	cfg := config.STTConfig{SampleRate: 16000, Channels: 1}
	dev := NewBusDevice(cfg, client, NewMockTranscriber(), newLogger())
	session, err := dev.Open(context.Background(), Options{Language: "en-US"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	publishFrame(t, client, protocol.AudioFrame{SessionID: "mic", PCM: make([]byte, 32000), Final: true})

	ev := nextEvent(t, session.Events())
	if ev.Kind != EventResult || len(ev.Segments) != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if seg := ev.Segments[0]; !seg.Final || seg.Text != "[final speech 1.0s]" {
		t.Fatalf("unexpected segment %+v", seg)
	}
	if ev := nextEvent(t, session.Events()); ev.Kind != EventEnd {
		t.Fatalf("expected end for non-continuous session, got %+v", ev)
	}

	msg, err := finals.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("transcript not published: %v", err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.SessionID != "mic" || tr.Partial {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestBusDeviceCloseEndsEvents(t *testing.T) {
	client := startBus(t)
	dev := NewBusDevice(config.STTConfig{SampleRate: 16000, Channels: 1}, client, NewMockTranscriber(), newLogger())
	session, err := dev.Open(context.Background(), Options{Continuous: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-session.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}

func TestControllerWithBusDevice(t *testing.T) {
	client := startBus(t)
	dev := NewBusDevice(config.STTConfig{SampleRate: 16000, Channels: 1}, client, NewMockTranscriber(), newLogger())
	c := NewController(dev, config.STTConfig{}, nil, nil, newLogger())
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	publishFrame(t, client, protocol.AudioFrame{SessionID: "mic", PCM: make([]byte, 16000), Final: true})
	waitFor(t, func() bool { return c.Transcript().Len() == 1 })
	if got := c.Transcript().Text(); got != "[final speech 0.5s] " {
		t.Fatalf("unexpected transcript %q", got)
	}
	if c.State() != StateListening {
		t.Fatal("continuous session should keep listening")
	}
}
