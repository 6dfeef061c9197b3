// Package mqtt accepts device readings published to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
	"iot-sensor-gateway/internal/monitor"
)

const (
	DefaultTopic = "sensors/+/data"
	source       = "mqtt"

	connectTimeout  = 10 * time.Second
	disconnectQuiet = 250 // ms
)

// Ingester is the pipeline entry point readings are handed to.
type Ingester interface {
	Ingest(ctx context.Context, r data.Reading, source string) monitor.Result
}

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
}

// Subscriber feeds MQTT payloads into the ingest pipeline. Payloads use the
// HTTP ingress shape; device_id falls back to the topic segment after
// "sensors/".
type Subscriber struct {
	client paho.Client
	topic  string
	qos    byte
	ingest Ingester
	now    func() time.Time
}

func NewSubscriber(cfg Config, ingest Ingester) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	s := &Subscriber{topic: cfg.Topic, qos: cfg.QoS, ingest: ingest, now: time.Now}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	// subscriptions do not survive a clean-session reconnect
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := s.subscribe(c); err != nil {
			logger.WithComponent("mqtt").Error().Err(err).Msg("resubscribe failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.WithComponent("mqtt").Warn().Err(err).Msg("mqtt connection lost")
	})

	s.client = paho.NewClient(opts)
	return s
}

// Start connects to the broker. The subscription is made by the connect
// handler.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	token := c.Subscribe(s.topic, s.qos, func(_ paho.Client, msg paho.Message) {
		s.HandleMessage(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.topic, token.Error())
	}
	logger.WithComponent("mqtt").Info().Str("topic", s.topic).Msg("subscribed")
	return nil
}

// HandleMessage parses one payload and ingests it. Malformed payloads are
// logged and dropped.
func (s *Subscriber) HandleMessage(topic string, payload []byte) {
	log := logger.WithComponent("mqtt")

	reading, err := parseMessage(topic, payload, s.now())
	if err != nil {
		metrics.ReadingsRejected.WithLabelValues(source, reason(err)).Inc()
		log.Warn().Err(err).Str("topic", topic).Msg("dropping malformed payload")
		return
	}

	s.ingest.Ingest(context.Background(), reading, source)
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiet)
	}
}

func parseMessage(topic string, payload []byte, receivedAt time.Time) (data.Reading, error) {
	var p data.IngestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return data.Reading{}, data.ErrInvalidPayload
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		p.DeviceID = deviceFromTopic(topic)
	}
	return p.Normalize(receivedAt)
}

func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "sensors" {
			return parts[i+1]
		}
	}
	return ""
}

func reason(err error) string {
	switch {
	case errors.Is(err, data.ErrInvalidPayload):
		return "invalid_json"
	case errors.Is(err, data.ErrMissingDeviceID):
		return "missing_device_id"
	default:
		return "missing_fields"
	}
}
