// Package telemetry publishes proxy status and button events to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/logic/runloop"
)

const (
	FormatJSON = "json"
	FormatCBOR = "cbor"

	DefaultTopic   = "proxgo"
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config describes the broker connection.
type Config struct {
	Broker   string // tcp://host:1883
	Topic    string // prefix: <topic>/status, <topic>/button, <topic>/online
	ClientID string
	Username string
	Password string
	Format   string
	QoS      byte
}

// ButtonMessage is the payload of <topic>/button.
type ButtonMessage struct {
	Event    string    `json:"event"`
	Code     uint8     `json:"code"`
	Position float64   `json:"position"`
	At       time.Time `json:"at"`
}

// Publisher implements runloop.Publisher. Publishing never blocks the
// caller; failures are logged from a background goroutine.
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	format string
	now    func() time.Time
}

// ClientID returns id, or a random proxgo-xxxxxxxx id when empty.
func ClientID(id string) string {
	if id != "" {
		return id
	}
	return "proxgo-" + uuid.NewString()[:8]
}

// Options builds the paho options for cfg.
func Options(cfg Config) *mqtt.ClientOptions {
	topic := topicOrDefault(cfg.Topic)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(cfg.ClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(topic+"/online", "false", cfg.QoS, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		debug.Info("Connected to MQTT broker %s", cfg.Broker)
		c.Publish(topic+"/online", cfg.QoS, true, "true")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		debug.Warn("MQTT connection lost: %v", err)
	})
	return opts
}

// Connect dials the broker and waits at most the connect timeout for the
// first session.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: no broker configured")
	}
	client := mqtt.NewClient(Options(cfg))
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return New(client, cfg)
}

// New wraps an existing client.
func New(client mqtt.Client, cfg Config) (*Publisher, error) {
	format := strings.ToLower(cfg.Format)
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatCBOR:
	default:
		return nil, fmt.Errorf("mqtt: unknown format %q (want json or cbor)", cfg.Format)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	return &Publisher{
		client: client,
		topic:  topicOrDefault(cfg.Topic),
		qos:    cfg.QoS,
		format: format,
		now:    time.Now,
	}, nil
}

// PublishStatus sends the snapshot to <topic>/status, retained.
func (p *Publisher) PublishStatus(s runloop.Snapshot) {
	p.publish(p.topic+"/status", true, s)
}

// PublishButton sends an edge to <topic>/button.
func (p *Publisher) PublishButton(ev button.Event, position float64) {
	p.publish(p.topic+"/button", false, ButtonMessage{
		Event:    ev.String(),
		Code:     uint8(6 + int(ev)),
		Position: position,
		At:       p.now(),
	})
}

// Close marks the proxy offline and disconnects.
func (p *Publisher) Close() {
	t := p.client.Publish(p.topic+"/online", p.qos, true, "false")
	t.WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

func (p *Publisher) encode(v interface{}) ([]byte, error) {
	if p.format == FormatCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

func (p *Publisher) publish(topic string, retained bool, v interface{}) {
	payload, err := p.encode(v)
	if err != nil {
		debug.Error(fmt.Errorf("encode %s: %w", topic, err))
		return
	}
	token := p.client.Publish(topic, p.qos, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			debug.Warn("MQTT publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			debug.Error(fmt.Errorf("publish %s: %w", topic, err))
		}
	}()
}

func topicOrDefault(t string) string {
	t = strings.TrimSuffix(strings.TrimSpace(t), "/")
	if t == "" {
		return DefaultTopic
	}
	return t
}
