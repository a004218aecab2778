package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wifi-exporter/internal/devices"
)

const (
	baseTopic              = "wifi-exporter"
	defaultDiscoveryPrefix = "homeassistant"
	defaultPublishTimeout  = 10 * time.Second
)

// ErrNotStarted is returned by Dispatch before Start has connected.
var ErrNotStarted = errors.New("mqtt publisher not started")

// Config configures the broker connection.
type Config struct {
	// BrokerURL is mqtt://host:port or mqtts://host:port.
	BrokerURL string

	ClientID string
	Username string
	Password string

	// DiscoveryPrefix is the HA discovery topic prefix (default
	// "homeassistant").
	DiscoveryPrefix string

	// PublishTimeout bounds every individual publish.
	PublishTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// publisher is the subset of [autopaho.ConnectionManager] used for
// publishing.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher dispatches device transitions to the broker.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	pub    publisher
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// before dispatching.
func New(cfg Config) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = defaultDiscoveryPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Publisher{cfg: cfg, logger: cfg.Logger}
}

// Start opens the broker connection and waits up to 30 seconds for it
// to come up. If it does not, Start logs a warning and returns nil;
// autopaho keeps retrying in the background until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       5,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Done is closed when the connection manager has shut down, either
// because the Start context was cancelled or Stop was called. A nil
// channel is returned before Start.
func (p *Publisher) Done() <-chan struct{} {
	if p.cm == nil {
		return nil
	}
	return p.cm.Done()
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return ErrNotStarted
	}
	return p.cm.AwaitConnection(ctx)
}

// Stop publishes "offline" to the availability topic and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Dispatch publishes the messages for one transition:
//
//   - KindNew: the retained discovery config, then "connected" to the
//     state topic from a detached goroutine whose result is only logged
//   - KindConnected: "connected" to the state topic
//   - KindDisconnected: "disconnected" to the state topic
//
// Each publish waits at most PublishTimeout.
func (p *Publisher) Dispatch(ctx context.Context, t devices.Transition) error {
	if p.pub == nil {
		return ErrNotStarted
	}

	id := SanitizeID(string(t.Device))
	stateTopic := p.stateTopic(id)

	switch t.Kind {
	case devices.KindNew:
		payload, err := json.Marshal(NewTrackerConfig(id, stateTopic, p.availabilityTopic()))
		if err != nil {
			return fmt.Errorf("marshal discovery payload for %s: %w", id, err)
		}
		if err := p.publish(ctx, p.discoveryTopic(id), payload); err != nil {
			return fmt.Errorf("publish discovery for %s: %w", id, err)
		}

		detached := context.WithoutCancel(ctx)
		go func() {
			if err := p.publish(detached, stateTopic, []byte(StateConnected)); err != nil {
				p.logger.Debug("mqtt initial state publish failed", "mac", id, "error", err)
			}
		}()
		return nil

	case devices.KindConnected:
		return p.publishState(ctx, id, stateTopic, StateConnected)

	case devices.KindDisconnected:
		return p.publishState(ctx, id, stateTopic, StateDisconnected)

	default:
		return fmt.Errorf("unknown transition kind %d", t.Kind)
	}
}

func (p *Publisher) publishState(ctx context.Context, id, topic, state string) error {
	if err := p.publish(ctx, topic, []byte(state)); err != nil {
		return fmt.Errorf("publish %s state for %s: %w", state, id, err)
	}
	return nil
}

// publish sends a retained QoS 1 message bounded by PublishTimeout.
func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	if _, err := p.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return err
	}
	p.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload))
	p.logger.Log(ctx, slog.Level(-8), "mqtt payload", "topic", topic, "payload", string(payload)) // config.LevelTrace
	return nil
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return baseTopic + "/availability"
}

func (p *Publisher) stateTopic(id string) string {
	return baseTopic + "/" + id + "/state"
}

func (p *Publisher) discoveryTopic(id string) string {
	return p.cfg.DiscoveryPrefix + "/device_tracker/wifi-" + id + "/config"
}
