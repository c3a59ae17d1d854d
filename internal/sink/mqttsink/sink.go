// Package mqttsink publishes tracker outputs as JSON to an MQTT topic.
package mqttsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/eventtrack/internal/sink"
)

var (
	ErrNotConnected   = errors.New("mqtt client not connected")
	ErrPublishTimeout = errors.New("mqtt publish timed out")
)

// Config holds the broker connection and topic settings.
type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		Topic:          "eventtrack/estimate",
		QoS:            0,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: time.Second,
	}
}

// Stats counts publish outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Sink implements sink.Sink over an MQTT client.
type Sink struct {
	config    Config
	client    mqtt.Client
	published atomic.Uint64
	failed    atomic.Uint64
}

var _ sink.Sink = (*Sink)(nil)

// New builds a sink with an auto-reconnecting paho client. Call Connect
// before publishing.
func New(cfg Config) *Sink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("eventtrack-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("[MQTT] Connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] Connection lost: %v (will auto-reconnect)", err)
	}
	return NewWithClient(cfg, mqtt.NewClient(opts))
}

// NewWithClient wraps an existing client.
func NewWithClient(cfg Config, client mqtt.Client) *Sink {
	return &Sink{config: cfg, client: client}
}

// Connect dials the broker and waits up to ConnectTimeout.
func (s *Sink) Connect() error {
	log.Printf("[MQTT] Connecting to %s, publishing on %s", s.config.Broker, s.config.Topic)
	token := s.client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout after %v", s.config.Broker, s.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.config.Broker, err)
	}
	return nil
}

// Publish sends o as JSON and waits up to PublishTimeout for the client to
// hand it off.
func (s *Sink) Publish(o sink.Output) error {
	if !s.client.IsConnectionOpen() {
		s.failed.Add(1)
		return ErrNotConnected
	}
	payload, err := json.Marshal(o)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("encode output: %w", err)
	}
	token := s.client.Publish(s.config.Topic, s.config.QoS, s.config.Retained, payload)
	if !token.WaitTimeout(s.config.PublishTimeout) {
		s.failed.Add(1)
		return fmt.Errorf("%w: cycle %d on %s", ErrPublishTimeout, o.Cycle, s.config.Topic)
	}
	if err := token.Error(); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("mqtt publish to %s: %w", s.config.Topic, err)
	}
	s.published.Add(1)
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (s *Sink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	log.Printf("[MQTT] Disconnected after %d published, %d failed", s.published.Load(), s.failed.Load())
}

// Stats returns publish counters.
func (s *Sink) Stats() Stats {
	return Stats{Published: s.published.Load(), Failed: s.failed.Load()}
}
