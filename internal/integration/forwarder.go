package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/config"
)

// Forwarder relays device events from the host bus to external systems:
// an MQTT broker, an HTTP webhook, or both. It runs as its own process
// (cmd/event-bridge) so integration load never backs up into the engine.
type Forwarder struct {
	nc  *nats.Conn
	cfg *config.Config

	mqttClient mqtt.Client
	httpClient *http.Client
}

// NewForwarder creates the event forwarder
func NewForwarder(nc *nats.Conn, cfg *config.Config) *Forwarder {
	timeout := cfg.Webhook.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		nc:  nc,
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Start connects the targets, subscribes to device traffic and blocks until
// ctx ends.
func (f *Forwarder) Start(ctx context.Context) error {
	if f.cfg.MQTT.Enabled {
		if err := f.connectMQTT(); err != nil {
			// The broker may come up later; paho keeps retrying.
			log.Error().Err(err).Msg("MQTT connect failed, retrying in background")
		}
	}

	sub, err := f.nc.Subscribe("device.>", f.handleDeviceEvent)
	if err != nil {
		return fmt.Errorf("subscribe device events: %w", err)
	}

	log.Info().
		Bool("mqtt", f.cfg.MQTT.Enabled).
		Bool("webhook", f.cfg.Webhook.Enabled).
		Msg("Event forwarder started")

	<-ctx.Done()

	sub.Unsubscribe()
	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		f.mqttClient.Disconnect(250)
	}

	return ctx.Err()
}

// handleDeviceEvent fans one bus message out to every enabled target.
func (f *Forwarder) handleDeviceEvent(msg *nats.Msg) {
	deviceID, kind, ok := splitDeviceSubject(msg.Subject)
	if !ok {
		return
	}

	if f.cfg.MQTT.Enabled {
		go f.forwardToMQTT(deviceID, kind, msg.Data)
	}
	if f.cfg.Webhook.Enabled {
		go f.forwardToWebhook(msg.Subject, deviceID, kind, msg.Data)
	}
}

// splitDeviceSubject takes device.<id>.<kind...> apart. The kind keeps its
// dotted tail, e.g. "event.battery_status" or "poll.battery_stats".
func splitDeviceSubject(subject string) (deviceID, kind string, ok bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != "device" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// topicFor maps a bus subject onto an MQTT topic below the configured
// prefix, dots becoming topic levels.
func (f *Forwarder) topicFor(deviceID, kind string) string {
	prefix := f.cfg.MQTT.TopicPrefix
	if prefix == "" {
		prefix = "remotesync"
	}
	return prefix + "/" + deviceID + "/" + strings.ReplaceAll(kind, ".", "/")
}

// envelope wraps a forwarded event with its routing metadata.
type envelope struct {
	DeviceID  string          `json:"deviceId"`
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (f *Forwarder) forwardToMQTT(deviceID, kind string, payload []byte) {
	client := f.mqttClient
	if client == nil || !client.IsConnected() {
		return
	}

	topic := f.topicFor(deviceID, kind)
	token := client.Publish(topic, f.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		return
	}

	log.Debug().
		Str("device_id", deviceID).
		Str("topic", topic).
		Msg("Event forwarded to MQTT")
}

func (f *Forwarder) forwardToWebhook(subject, deviceID, kind string, payload []byte) {
	body, err := json.Marshal(envelope{
		DeviceID:  deviceID,
		Kind:      kind,
		Subject:   subject,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal webhook envelope")
		return
	}

	req, err := http.NewRequest(http.MethodPost, f.cfg.Webhook.Endpoint, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build webhook request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.cfg.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("endpoint", f.cfg.Webhook.Endpoint).
			Msg("Webhook forward failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", f.cfg.Webhook.Endpoint).
			Msg("Webhook target rejected event")
		return
	}

	log.Debug().
		Str("device_id", deviceID).
		Str("kind", kind).
		Msg("Event forwarded to webhook")
}

func (f *Forwarder) connectMQTT() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.cfg.MQTT.BrokerURL)
	opts.SetClientID("remotesync-bridge")

	if f.cfg.MQTT.Username != "" {
		opts.SetUsername(f.cfg.MQTT.Username)
		opts.SetPassword(f.cfg.MQTT.Password)
	}

	if f.cfg.MQTT.TLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: true, // home brokers usually run self-signed certs
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", f.cfg.MQTT.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	f.mqttClient = client

	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return token.Error()
	}
	return nil
}
