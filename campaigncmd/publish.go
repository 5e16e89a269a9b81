package campaigncmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/mqttcm"
	"github.com/1aeo/exitmap-dns-health-deploy/publish"
)

// PublishFlags enable the report notification backends.
type PublishFlags struct {
	MQTT         bool   `name:"mqtt" env:"DNSHEALTH_MQTT" help:"Publish a notification for each report over MQTT"`
	MQTTBroker   string `name:"mqtt-broker" env:"DNSHEALTH_MQTT_BROKER" default:"mqtts://localhost:8883" help:"MQTT broker URL"`
	MQTTClientID string `name:"mqtt-client-id" env:"DNSHEALTH_MQTT_CLIENT_ID" help:"MQTT client id (default: dnshealth-<hostname>)"`
	MQTTUser     string `name:"mqtt-user" env:"DNSHEALTH_MQTT_USER"`
	MQTTPassword string `name:"mqtt-password" env:"DNSHEALTH_MQTT_PASSWORD"`
	MQTTInsecure bool   `name:"mqtt-insecure" help:"Skip TLS verification of the broker"`

	Webhook      bool   `name:"webhook" env:"DNSHEALTH_WEBHOOK" help:"POST each report to a webhook"`
	WebhookURL   string `name:"webhook-url" env:"DNSHEALTH_WEBHOOK_URL"`
	WebhookToken string `name:"webhook-token" env:"DNSHEALTH_WEBHOOK_TOKEN" help:"Bearer token for the webhook"`
}

func (f *PublishFlags) Validate() error {
	if f.Webhook && len(f.WebhookURL) == 0 {
		return fmt.Errorf("--webhook requires --webhook-url")
	}
	return nil
}

// publishers holds the enabled backends; Close disconnects them.
type publishers struct {
	list []publish.Publisher
	mqtt *publish.MQTT
	cm   *autopaho.ConnectionManager
}

func (f *PublishFlags) setup(ctx context.Context, topics *mqttcm.MQTTTopics) (*publishers, error) {
	p := &publishers{}

	if f.MQTT {
		clientID := f.MQTTClientID
		if len(clientID) == 0 {
			hostname, _ := os.Hostname()
			clientID = appName + "-" + hostname
		}
		cm, err := mqttcm.Setup(ctx, mqttcm.Config{
			Broker:             f.MQTTBroker,
			ClientID:           clientID,
			Username:           f.MQTTUser,
			Password:           f.MQTTPassword,
			InsecureSkipVerify: f.MQTTInsecure,
		}, topics.Status(clientID))
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		p.cm = cm
		p.mqtt = publish.NewMQTT(cm, topics.LatestReport())
		p.list = append(p.list, p.mqtt)
	}

	if f.Webhook {
		p.list = append(p.list, publish.NewWebhook(f.WebhookURL, f.WebhookToken))
	}

	return p, nil
}

func (p *publishers) Close(ctx context.Context) {
	if p == nil || p.cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.cm.Disconnect(ctx); err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "mqtt disconnect", "err", err)
	}
}
