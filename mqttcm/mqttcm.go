package mqttcm

// "mqtt connection manager"

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
)

// Config is the broker connection for the report notifications.
type Config struct {
	Broker   string // mqtt://host:1883 or mqtts://host:8883
	ClientID string
	Username string
	Password string
	// InsecureSkipVerify disables TLS verification for test brokers.
	InsecureSkipVerify bool
}

// Setup connects to the broker in the background. The online status
// is published, retained, on statusChannel whenever the connection
// comes up, and a will message marks the client offline.
func Setup(ctx context.Context, cfg Config, statusChannel string) (*autopaho.ConnectionManager, error) {
	log := logger.FromContext(ctx)

	broker, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt broker: %w", err)
	}

	log.InfoContext(ctx, "mqtt", "clientID", cfg.ClientID, "broker", broker.Host)

	publishOnlineMessage := func(cm *autopaho.ConnectionManager) {
		if len(statusChannel) == 0 {
			return
		}
		msg, err := StatusMessageJSON(true)
		if err != nil {
			log.Warn("mqtt status error", "err", err)
		}
		log.Debug("sending mqtt status message", "topic", statusChannel, "msg", msg)
		expireSeconds := uint32(86400)
		_, err = cm.Publish(ctx, &paho.Publish{
			Topic:   statusChannel,
			Payload: msg,
			QoS:     1,
			Retain:  true,
			Properties: &paho.PublishProperties{
				MessageExpiry: &expireSeconds,
			},
		})
		if err != nil {
			log.Warn("mqtt status publish error", "err", err)
		}
	}

	offlineMessage, err := StatusMessageJSON(false)
	if err != nil {
		return nil, fmt.Errorf("status message: %w", err)
	}

	mqttcfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		KeepAlive:                     120,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),

		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info("mqtt connection up")
			publishOnlineMessage(cm)
		},
		OnConnectError: func(err error) {
			log.Error("mqtt connect", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				log.Error("mqtt client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Error("mqtt server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					log.Error("mqtt server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" || broker.Scheme == "tls" {
		mqttcfg.TlsCfg = &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}

	if len(statusChannel) > 0 {
		mqttcfg.WillMessage = &paho.WillMessage{
			Retain:  true,
			Topic:   statusChannel,
			Payload: offlineMessage,
		}
		mqttcfg.WillProperties = &paho.WillProperties{
			WillDelayInterval: paho.Uint32(30),
			MessageExpiry:     paho.Uint32(86400),
		}
	}

	errlog := logger.NewStdLog("mqtt error", true, log)
	mqttcfg.Errors = errlog
	mqttcfg.PahoErrors = errlog

	cm, err := autopaho.NewConnection(ctx, mqttcfg)
	if err != nil {
		return cm, err
	}

	return cm, nil
}

type StatusMessage struct {
	Online    bool
	Version   version.Info
	UpdatedMQ time.Time
}

func StatusMessageJSON(online bool) ([]byte, error) {
	sm := &StatusMessage{
		Online:    online,
		Version:   version.VersionInfo(),
		UpdatedMQ: time.Now().Truncate(time.Second),
	}
	js, err := json.Marshal(sm)
	if err != nil {
		return nil, err
	}
	return js, err
}
