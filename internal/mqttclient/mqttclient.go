// Package mqttclient wraps eclipse/paho.golang/autopaho into the narrow
// publish/subscribe surface the bridge needs: connect once, route inbound
// publishes to per-topic handlers, publish retained or live messages.
package mqttclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridgeerr"
)

// Config is the subset of connection parameters the bridge controls;
// credentials have already had the Home Assistant add-on auto_* tokens
// substituted by the config package before reaching here.
type Config struct {
	URL       string
	ClientID  string
	KeepAlive time.Duration
}

// Client is a connected MQTT session. The zero value is not usable; build
// one with New and call Connect.
type Client struct {
	cfg Config
	log *zap.Logger

	router *paho.StandardRouter
	cm     *autopaho.ConnectionManager
}

// New builds a Client. Connect must be called before Publish/Subscribe.
func New(cfg Config, log *zap.Logger) *Client {
	return &Client{cfg: cfg, log: log, router: paho.NewStandardRouter()}
}

// Connect dials the broker and blocks until the first connection succeeds
// or ctx is cancelled. Reconnection after that point is handled internally
// by autopaho; callers do not need to call Connect again.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("mqttclient: parse broker url: %w", err)
	}

	c.router.DefaultHandler(func(publish *paho.Publish) {
		c.log.Warn("mqttclient: message received without matching a route", zap.String("topic", publish.Topic))
	})

	clientConfig := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(c.cfg.KeepAlive.Seconds()),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         3600,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.log.Info("mqttclient: connected to broker")
		},
		OnConnectError: func(err error) {
			c.log.Error("mqttclient: connect failed", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.router.Route(pr.Packet.Packet())
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.log.Warn("mqttclient: client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil && d.Properties.ReasonString != "" {
					c.log.Error("mqttclient: server requested disconnect", zap.String("reason", d.Properties.ReasonString))
				} else {
					c.log.Error("mqttclient: server requested disconnect", zap.Uint8("reasonCode", d.ReasonCode))
				}
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("mqttclient: new connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqttclient: await connection: %w", err)
	}
	c.cm = cm
	c.log.Info("mqttclient: initialized", zap.String("broker", c.cfg.URL))
	return nil
}

// Handler is called for every inbound publish matching a subscribed topic
// filter. payload is the raw message body.
type Handler func(topic string, payload []byte)

// Subscribe registers a handler for a topic filter and issues the broker
// subscription. Command topics use QoS 1 so a dropped connection does not
// silently lose a Home Assistant command.
func (c *Client) Subscribe(ctx context.Context, topicFilter string, handler Handler) error {
	c.router.RegisterHandler(topicFilter, func(publish *paho.Publish) {
		handler(publish.Topic, publish.Payload)
	})
	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topicFilter, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("mqttclient: subscribe %s: %w: %w", topicFilter, err, bridgeerr.ErrMqttPublish)
	}
	return nil
}

// Publish sends a message. Discovery documents, availability and initial
// state snapshots are retained; live telemetry and command echoes are not,
// per the bridge's retain policy.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		QoS:     1,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("mqttclient: publish %s: %w: %w", topic, err, bridgeerr.ErrMqttPublish)
	}
	return nil
}

// Disconnect closes the connection cleanly.
func (c *Client) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	if err := c.cm.Disconnect(ctx); err != nil {
		c.log.Warn("mqttclient: disconnect", zap.Error(err))
		return
	}
	c.log.Info("mqttclient: disconnected")
}
