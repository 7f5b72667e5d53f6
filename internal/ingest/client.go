package ingest

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/stats"
)

const (
	subscribeQoS      = 1
	keepAlive         = 30 * time.Second
	pingTimeout       = 10 * time.Second
	connectRetryDelay = 2 * time.Second

	// Milliseconds paho waits for in-flight work before dropping the link.
	disconnectQuiesce = 250
)

// Client owns the broker connection and feeds every delivery into the
// pipeline. Order-matters stays on so the handler runs serialized; that is
// what gives subscribers per-vehicle FIFO ordering.
type Client struct {
	mqtt       mqtt.Client
	pipeline   *Pipeline
	coll       *stats.Collector
	log        *zap.Logger
	shutdowner fx.Shutdowner
	topic      string
	subscribed atomic.Bool
}

func NewClient(cfg config.Config, pipeline *Pipeline, coll *stats.Collector, shutdowner fx.Shutdowner, log *zap.Logger) *Client {
	c := &Client{
		pipeline:   pipeline,
		coll:       coll,
		log:        log.Named("broker"),
		shutdowner: shutdowner,
		topic:      cfg.SubscriptionTopic,
	}

	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = "fleetpulse-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker.URL()).
		SetClientID(clientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryDelay)

	if cfg.Broker.Username != "" {
		opts.SetUsername(cfg.Broker.Username)
	}
	if cfg.Broker.Password != "" {
		opts.SetPassword(cfg.Broker.Password)
	}
	if cfg.Broker.UseTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: !cfg.Broker.RejectUnauthorized})
	}

	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost

	c.mqtt = mqtt.NewClient(opts)
	return c
}

// Start kicks off the connect loop. A broker that is down at startup is not
// fatal; paho keeps retrying until Stop.
func (c *Client) Start() {
	c.log.Info("connecting to broker", zap.String("topic", c.topic))
	token := c.mqtt.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("broker connect", zap.Error(err))
		}
	}()
}

// Stop unsubscribes and closes the connection, giving in-flight handlers a
// short quiesce.
func (c *Client) Stop() {
	if c.mqtt.IsConnectionOpen() {
		if token := c.mqtt.Unsubscribe(c.topic); token.Wait() && token.Error() != nil {
			c.log.Warn("unsubscribe failed", zap.Error(token.Error()))
		}
	}
	c.mqtt.Disconnect(disconnectQuiesce)
	c.coll.SetBrokerConnected(false)
	c.log.Info("broker disconnected")
}

// onConnect runs on every (re)connect. The first refused subscription is an
// unrecoverable startup error; a refused re-subscribe after reconnect is
// transient and only drops readiness.
func (c *Client) onConnect(client mqtt.Client) {
	c.coll.SetBrokerConnected(true)
	c.log.Info("broker connected")

	token := client.Subscribe(c.topic, subscribeQoS, c.handle)
	token.Wait()
	err := token.Error()
	if err == nil {
		c.subscribed.Store(true)
		c.log.Info("subscribed", zap.String("topic", c.topic), zap.Int("qos", subscribeQoS))
		return
	}

	c.coll.SetBrokerConnected(false)
	if !c.subscribed.Load() {
		c.log.Error("subscription refused", zap.String("topic", c.topic), zap.Error(err))
		if serr := c.shutdowner.Shutdown(fx.ExitCode(1)); serr != nil {
			c.log.Error("shutdown request failed", zap.Error(serr))
		}
		return
	}
	c.log.Error("resubscribe failed", zap.String("topic", c.topic), zap.Error(err))
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.coll.SetBrokerConnected(false)
	c.log.Warn("broker connection lost", zap.Error(err))
}

func (c *Client) handle(_ mqtt.Client, msg mqtt.Message) {
	c.pipeline.HandleMessage(context.Background(), msg.Payload())
}
