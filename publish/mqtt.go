package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTT publishes the notification, retained, on a topic. The report
// itself is not sent; consumers fetch it by name.
type MQTT struct {
	cm    *autopaho.ConnectionManager
	topic string
	wait  time.Duration
}

func NewMQTT(cm *autopaho.ConnectionManager, topic string) *MQTT {
	return &MQTT{cm: cm, topic: topic, wait: 30 * time.Second}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Publish(ctx context.Context, n *Notification, _ []byte) error {
	return m.PublishJSON(ctx, m.topic, n, true)
}

// PublishJSON sends v on topic once the connection is up, waiting at
// most 30 seconds for it.
func (m *MQTT) PublishJSON(ctx context.Context, topic string, v any, retain bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if err := m.cm.AwaitConnection(ctx); err != nil {
		return err
	}

	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	return err
}
