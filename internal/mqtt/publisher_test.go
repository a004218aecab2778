package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wifi-exporter/internal/buildinfo"
	"github.com/nugget/wifi-exporter/internal/devices"
)

type published struct {
	topic   string
	payload string
	retain  bool
	qos     byte
}

// fakePublisher records every publish and optionally fails topics.
type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	failOn map[string]bool
	notify chan published
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failOn: map[string]bool{}, notify: make(chan published, 16)}
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	msg := published{topic: p.Topic, payload: string(p.Payload), retain: p.Retain, qos: p.QoS}
	f.mu.Lock()
	fail := f.failOn[p.Topic]
	if !fail {
		f.msgs = append(f.msgs, msg)
	}
	f.mu.Unlock()
	f.notify <- msg
	if fail {
		return nil, errors.New("broker unavailable")
	}
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newTestPublisher(fake *fakePublisher) *Publisher {
	p := New(Config{
		ClientID:       "wifi-exporter",
		PublishTimeout: time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p.pub = fake
	return p
}

func waitFor(t *testing.T, fake *fakePublisher, topic string) published {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-fake.notify:
			if msg.topic == topic {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for publish to %s", topic)
		}
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AA:BB:CC", "AA_BB_CC"},
		{"AA_BB_CC", "AA_BB_CC"},
		{"AA:BB/CC+DD#", "AA_BB_CC_DD_"},
		{"", ""},
	}
	for _, tt := range tests {
		got := SanitizeID(tt.in)
		if got != tt.want {
			t.Errorf("SanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := SanitizeID(got); again != got {
			t.Errorf("SanitizeID not idempotent: %q -> %q", got, again)
		}
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(Config{})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availabilityTopic", p.availabilityTopic(), "wifi-exporter/availability"},
		{"stateTopic", p.stateTopic("AA_BB"), "wifi-exporter/AA_BB/state"},
		{"discoveryTopic", p.discoveryTopic("AA_BB"), "homeassistant/device_tracker/wifi-AA_BB/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestNewTrackerConfig(t *testing.T) {
	cfg := NewTrackerConfig("AA_BB", "wifi-exporter/AA_BB/state", "wifi-exporter/availability")

	if cfg.UniqueID != "wifi-AA_BB-connected" {
		t.Errorf("UniqueID = %q", cfg.UniqueID)
	}
	if cfg.PayloadHome != StateConnected || cfg.PayloadNotHome != StateDisconnected {
		t.Errorf("payloads = %q/%q", cfg.PayloadHome, cfg.PayloadNotHome)
	}
	if cfg.Device.SWVersion != buildinfo.SWVersion() {
		t.Errorf("SWVersion = %q, want %q", cfg.Device.SWVersion, buildinfo.SWVersion())
	}
	if cfg.SourceType != "router" {
		t.Errorf("SourceType = %q", cfg.SourceType)
	}
	if len(cfg.Device.Identifiers) != 2 || cfg.Device.Identifiers[0] != "AA_BB" {
		t.Fatalf("Identifiers = %v", cfg.Device.Identifiers)
	}

	again := NewTrackerConfig("AA_BB", "", "")
	if again.Device.Identifiers[1] != cfg.Device.Identifiers[1] {
		t.Errorf("device UUID not stable: %q vs %q", again.Device.Identifiers[1], cfg.Device.Identifiers[1])
	}
	other := NewTrackerConfig("CC_DD", "", "")
	if other.Device.Identifiers[1] == cfg.Device.Identifiers[1] {
		t.Error("different devices share a UUID")
	}
}

func TestDispatch_New(t *testing.T) {
	fake := newFakePublisher()
	p := newTestPublisher(fake)

	err := p.Dispatch(context.Background(), devices.Transition{Device: "AA:BB:CC:DD:EE:FF", Kind: devices.KindNew})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	state := waitFor(t, fake, "wifi-exporter/AA_BB_CC_DD_EE_FF/state")
	if state.payload != StateConnected || !state.retain {
		t.Errorf("state publish = %+v", state)
	}

	msgs := fake.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	disc := msgs[0]
	if disc.topic != "homeassistant/device_tracker/wifi-AA_BB_CC_DD_EE_FF/config" {
		t.Errorf("first publish topic = %q", disc.topic)
	}
	if !disc.retain || disc.qos != 1 {
		t.Errorf("discovery retain=%v qos=%d", disc.retain, disc.qos)
	}

	var payload TrackerConfig
	if err := json.Unmarshal([]byte(disc.payload), &payload); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}
	if payload.StateTopic != "wifi-exporter/AA_BB_CC_DD_EE_FF/state" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.UniqueID != "wifi-AA_BB_CC_DD_EE_FF-connected" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.AvailabilityTopic != "wifi-exporter/availability" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
}

func TestDispatch_StateTransitions(t *testing.T) {
	tests := []struct {
		kind devices.Kind
		want string
	}{
		{devices.KindConnected, StateConnected},
		{devices.KindDisconnected, StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			fake := newFakePublisher()
			p := newTestPublisher(fake)

			if err := p.Dispatch(context.Background(), devices.Transition{Device: "AA:BB", Kind: tt.kind}); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			msgs := fake.messages()
			if len(msgs) != 1 {
				t.Fatalf("published %d messages, want 1", len(msgs))
			}
			if msgs[0].topic != "wifi-exporter/AA_BB/state" || msgs[0].payload != tt.want || !msgs[0].retain {
				t.Errorf("publish = %+v", msgs[0])
			}
		})
	}
}

func TestDispatch_PublishError(t *testing.T) {
	fake := newFakePublisher()
	fake.failOn["wifi-exporter/AA_BB/state"] = true
	p := newTestPublisher(fake)

	err := p.Dispatch(context.Background(), devices.Transition{Device: "AA:BB", Kind: devices.KindDisconnected})
	if err == nil {
		t.Fatal("expected publish error")
	}
}

func TestDispatch_NewDiscoveryFailureSkipsState(t *testing.T) {
	fake := newFakePublisher()
	fake.failOn["homeassistant/device_tracker/wifi-AA_BB/config"] = true
	p := newTestPublisher(fake)

	if err := p.Dispatch(context.Background(), devices.Transition{Device: "AA:BB", Kind: devices.KindNew}); err == nil {
		t.Fatal("expected discovery publish error")
	}
	if msgs := fake.messages(); len(msgs) != 0 {
		t.Errorf("published %v after failed discovery", msgs)
	}
}

func TestDispatch_NewStateFailureIsSwallowed(t *testing.T) {
	fake := newFakePublisher()
	fake.failOn["wifi-exporter/AA_BB/state"] = true
	p := newTestPublisher(fake)

	if err := p.Dispatch(context.Background(), devices.Transition{Device: "AA:BB", Kind: devices.KindNew}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, fake, "wifi-exporter/AA_BB/state")
}

func TestDispatch_NotStarted(t *testing.T) {
	p := New(Config{})
	err := p.Dispatch(context.Background(), devices.Transition{Device: "AA", Kind: devices.KindConnected})
	if !errors.Is(err, ErrNotStarted) {
		t.Errorf("Dispatch error = %v, want ErrNotStarted", err)
	}
	if err := p.AwaitConnection(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AwaitConnection error = %v, want ErrNotStarted", err)
	}
	if p.Done() != nil {
		t.Error("Done() before Start should be nil")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
