package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"diaryd/internal/config"
	"diaryd/internal/event"
)

// MQTTTarget publishes event envelopes to a broker, one topic per
// tenant under the configured prefix. QoS 1 or 2 is expected for sync
// targets; the broker acknowledgement is what marks the attempt
// successful.
type MQTTTarget struct {
	name        string
	topicPrefix string
	qos         byte
	client      mqtt.Client
}

// NewMQTTTarget connects to the broker described by the config entry.
func NewMQTTTarget(cfg *config.TargetConfig, timeout time.Duration) (*MQTTTarget, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "diaryd-" + cfg.Name
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	// WaitTimeout returns false while the connect is still pending, so
	// a broker that accepts TCP but never acknowledges must fail here
	// instead of passing as connected.
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to MQTT broker: no acknowledgement within %s", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", err)
	}

	return &MQTTTarget{
		name:        cfg.Name,
		topicPrefix: cfg.TopicPrefix,
		qos:         byte(cfg.QoS),
		client:      client,
	}, nil
}

// Name returns the configured target name.
func (t *MQTTTarget) Name() string { return t.name }

// Deliver publishes one event to <prefix>/<tenant>.
func (t *MQTTTarget) Deliver(ctx context.Context, e *event.Event) error {
	data, err := json.Marshal(NewEnvelope(e))
	if err != nil {
		return &event.DeliveryError{
			Target:   t.name,
			TenantID: e.TenantID,
			Sequence: e.Sequence,
			Err:      fmt.Errorf("encode envelope: %w", err),
		}
	}

	topic := t.topicPrefix + "/" + e.TenantID
	token := t.client.Publish(topic, t.qos, false, data)

	select {
	case <-ctx.Done():
		return &event.DeliveryError{
			Target:   t.name,
			TenantID: e.TenantID,
			Sequence: e.Sequence,
			Err:      ctx.Err(),
		}
	case <-token.Done():
	}

	if err := token.Error(); err != nil {
		return &event.DeliveryError{
			Target:   t.name,
			TenantID: e.TenantID,
			Sequence: e.Sequence,
			Err:      err,
		}
	}
	return nil
}

// Close disconnects from the broker, allowing 250ms for in-flight acks.
func (t *MQTTTarget) Close() {
	t.client.Disconnect(250)
}
