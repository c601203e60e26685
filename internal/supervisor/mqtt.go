package supervisor

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig enables optional telemetry fan-out of every polled Status
// alongside the JSON subscriber channel.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
}

// telemetry wraps an optional MQTT publisher; a nil-config telemetry is a
// harmless no-op so Relay never branches on whether MQTT is configured.
type telemetry struct {
	client mqtt.Client
	topic  string
	log    *zap.SugaredLogger
}

func newTelemetry(cfg *MQTTConfig, log *zap.SugaredLogger) *telemetry {
	if cfg == nil {
		return &telemetry{}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		log.Warnw("supervisor: mqtt connect failed, telemetry disabled", "broker", cfg.BrokerURL, "err", tok.Error())
		return &telemetry{}
	}

	return &telemetry{client: client, topic: cfg.Topic, log: log}
}

// publish fans a Status out to the configured MQTT topic, QoS 1, not
// retained. A no-op telemetry (nil client) drops silently.
func (t *telemetry) publish(s Status) {
	if t.client == nil {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	t.client.Publish(t.topic, 1, false, b)
}
