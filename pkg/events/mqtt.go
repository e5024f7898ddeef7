package events

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("events: mqtt not connected")

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`    // host:port or a full URL
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// DefaultMQTTConfig returns a local broker configuration
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "localhost:1883",
		ClientID:       "facetrack",
		TopicPrefix:    "facetrack",
		QoS:            0,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// MQTTStats reports publisher counters
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"` // per topic
	Errors    uint64            `json:"errors"`
}

// MQTT publishes events as JSON to <prefix>/<session>/<event type>
type MQTT struct {
	config MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTT creates a publisher. Call Connect before publishing.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{
		config:    cfg,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]uint64),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}
	m.client = mqtt.NewClient(opts)
	return m
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection
func (m *MQTT) Connect() error {
	m.logger.Info("connecting to mqtt broker", "broker", m.config.Broker)

	token := m.client.Connect()
	if !token.WaitTimeout(m.config.ConnectTimeout) {
		return fmt.Errorf("events: mqtt connect to %s timed out", m.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: mqtt connect: %w", err)
	}
	m.setConnected(true)
	return nil
}

// Topic returns the topic an event is published on
func (m *MQTT) Topic(e Event) string {
	session := e.SessionID
	if session == "" {
		session = "_"
	}
	return fmt.Sprintf("%s/%s/%s", m.config.TopicPrefix, session, e.Type)
}

// Publish implements Publisher.
func (m *MQTT) Publish(e Event) error {
	if !m.isConnected() {
		m.countError()
		return ErrNotConnected
	}

	payload, err := e.JSON()
	if err != nil {
		m.countError()
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}

	topic := m.Topic(e)
	token := m.client.Publish(topic, m.config.QoS, false, payload)
	if !token.WaitTimeout(m.config.PublishTimeout) {
		m.countError()
		return fmt.Errorf("events: publish %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()

	m.logger.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

// Close implements Publisher.
func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("mqtt disconnected")
	}
	m.setConnected(false)
}

// Stats returns publisher counters
func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MQTTStats{Connected: m.connected, Published: published, Errors: m.errors}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
