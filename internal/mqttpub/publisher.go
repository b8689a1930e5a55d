// Package mqttpub republishes telemetry frames to an MQTT broker.
package mqttpub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bletelemetry/internal/telemetry"
)

const publishTimeout = 2 * time.Second

var ErrTimeout = errors.New("mqttpub: broker did not acknowledge in time")

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

var newClientFn = func(opts *mqtt.ClientOptions) client { return mqtt.NewClient(opts) }

// Publisher sends the orientation and RSSI blocks of each frame to
// <prefix>/orientation and <prefix>/rssi as retained JSON messages.
type Publisher struct {
	cfg Config
	c   client
}

func Dial(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttpub: broker is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "bletelemetry"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	c := newClientFn(opts)
	if err := wait(c.Connect()); err != nil {
		return nil, fmt.Errorf("mqttpub: connect %s: %w", cfg.Broker, err)
	}
	log.Printf("mqtt: connected to %s as %q", cfg.Broker, cfg.ClientID)
	return &Publisher{cfg: cfg, c: c}, nil
}

func (p *Publisher) OrientationTopic() string { return p.cfg.TopicPrefix + "/orientation" }
func (p *Publisher) RSSITopic() string        { return p.cfg.TopicPrefix + "/rssi" }

type orientationMessage struct {
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	telemetry.Orientation
}

type rssiMessage struct {
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	telemetry.RSSI
}

// Publish implements telemetry.Sink.
func (p *Publisher) Publish(f telemetry.Frame) error {
	if p == nil || p.c == nil {
		return nil
	}
	o, err := json.Marshal(orientationMessage{Session: f.Session, Time: f.Time, Orientation: f.Orientation})
	if err != nil {
		return err
	}
	if err := wait(p.c.Publish(p.OrientationTopic(), p.cfg.QoS, true, o)); err != nil {
		return fmt.Errorf("mqttpub: publish %s: %w", p.OrientationTopic(), err)
	}

	r, err := json.Marshal(rssiMessage{Session: f.Session, Time: f.Time, RSSI: f.RSSI})
	if err != nil {
		return err
	}
	if err := wait(p.c.Publish(p.RSSITopic(), p.cfg.QoS, true, r)); err != nil {
		return fmt.Errorf("mqttpub: publish %s: %w", p.RSSITopic(), err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p == nil || p.c == nil {
		return
	}
	p.c.Disconnect(250)
}

func wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(publishTimeout) {
		return ErrTimeout
	}
	return tok.Error()
}
