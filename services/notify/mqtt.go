package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	defaultTopicPrefix = "intgmgr/events"
)

// MQTTConfig describes the broker events are mirrored to.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
	TLS         *tls.Config
}

// MQTT publishes each event as JSON on <prefix>/<kind>.
type MQTT struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	retain bool
}

// DialMQTT connects to the broker. The client reconnects on its own afterwards.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "intg-manager"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(mqttConnectTimeout).
		SetKeepAlive(60 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client pahomqtt.Client, cfg MQTTConfig) *MQTT {
	prefix := strings.TrimRight(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &MQTT{client: client, prefix: prefix, qos: cfg.QoS, retain: cfg.Retain}
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the topic an event kind is published on.
func (m *MQTT) Topic(kind Kind) string {
	return m.prefix + "/" + string(kind)
}

func (m *MQTT) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Event
	}{Title: msg.Title, Body: msg.Body, Event: msg.Event})
	if err != nil {
		return err
	}

	token := m.client.Publish(m.Topic(msg.Event.Kind), m.qos, m.retain, payload)
	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish: timeout after %v", timeout)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Disconnect(250)
}
