package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// MQTTSender publishes reports to <topic>/<unit_id>. The broker's MQTT plugin
// maps the topic onto amq.topic where the collector consumes it.
type MQTTSender struct {
	log     *slog.Logger
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

func NewMQTTSender(log *slog.Logger, cfg *config.MQTTConfig, unitID string) (*MQTTSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("relaywatch-%s", unitID))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	opts.OnConnect = func(mqtt.Client) {
		log.Info("connected to mqtt broker", slog.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", sl.Err(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		// ConnectRetry keeps trying in the background; publishes queue until then.
		log.Warn("mqtt broker not reachable yet", slog.String("broker", cfg.Broker))
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	return &MQTTSender{
		log:     log,
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
	}, nil
}

func (s *MQTTSender) Send(ctx context.Context, report *model.HeartbeatReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", s.topic, report.UnitKey())
	token := s.client.Publish(topic, s.qos, false, data)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(s.timeout):
		return fmt.Errorf("publish to %s timed out after %s", topic, s.timeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTSender) Health(context.Context) error {
	if !s.client.IsConnectionOpen() {
		return errors.New("mqtt connection is not open")
	}
	return nil
}

func (s *MQTTSender) Close() error {
	s.client.Disconnect(250)
	return nil
}
