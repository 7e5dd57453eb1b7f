// Package mqttbridge publishes the device registry to an MQTT broker in
// Home Assistant's discovery dialect and turns inbound set topics into
// dispatched mesh commands.
package mqttbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cynclan/cyncd/internal/correlate"
	"github.com/cynclan/cyncd/internal/dispatch"
	"github.com/cynclan/cyncd/internal/registry"
)

// DefaultSendTimeout bounds one inbound command's dispatch, covering
// all broadcast copies and their retries.
const DefaultSendTimeout = 10 * time.Second

// disconnectQuiesce is the paho disconnect drain allowance.
const disconnectQuiesce = 250 * time.Millisecond

// Commander dispatches shaped commands into the mesh. Implemented by
// dispatch.Dispatcher.
type Commander interface {
	Send(ctx context.Context, target dispatch.Target, cmd dispatch.Command) (dispatch.Result, error)
}

// Metrics is the broker-facing metrics hook.
type Metrics interface {
	IncBrokerReconnects()
}

type noopMetrics struct{}

func (noopMetrics) IncBrokerReconnects() {}

// Config carries the bridge's collaborators and broker settings.
type Config struct {
	// Broker is the MQTT broker URL, e.g. "tcp://127.0.0.1:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic is the base topic for state, availability, and set topics.
	Topic string

	// DiscoveryPrefix is the Home Assistant discovery prefix.
	DiscoveryPrefix string

	// StatusTopic and BirthPayload identify the controller birth
	// message that triggers a discovery republish.
	StatusTopic  string
	BirthPayload string

	// MinKelvin and MaxKelvin bound the advertised color temperature
	// range. Zero values use the registry defaults.
	MinKelvin int
	MaxKelvin int

	// SendTimeout bounds one inbound command's dispatch. Zero means
	// DefaultSendTimeout.
	SendTimeout time.Duration

	Registry  *registry.Registry
	Commander Commander
	Metrics   Metrics
}

// Bridge is the MQTT side of the daemon. It implements registry.Watcher
// so registry updates become retained broker state, and it subscribes to
// the set topics so broker commands become mesh dispatches.
type Bridge struct {
	client    mqtt.Client
	registry  *registry.Registry
	commander Commander
	metrics   Metrics
	logger    *slog.Logger

	baseTopic       string
	discoveryPrefix string
	statusTopic     string
	birthPayload    string
	minKelvin       int
	maxKelvin       int
	sendTimeout     time.Duration

	// connected counts OnConnect invocations; all but the first are
	// broker reconnects.
	connected atomic.Uint64
}

// New creates a Bridge with a paho client built from cfg. The client
// carries a retained "offline" will on the bridge availability topic and
// reconnects on its own with bounded backoff.
func New(cfg Config, logger *slog.Logger) *Bridge {
	b := newBridge(cfg, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("broker connection lost", "error", err)
		})

	b.client = mqtt.NewClient(opts)
	return b
}

// NewWithClient creates a Bridge around an existing client. The caller
// owns the client's options; OnConnect wiring only happens in New.
func NewWithClient(cfg Config, client mqtt.Client, logger *slog.Logger) *Bridge {
	b := newBridge(cfg, logger)
	b.client = client
	return b
}

func newBridge(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.MinKelvin == 0 {
		cfg.MinKelvin = registry.DefaultMinKelvin
	}
	if cfg.MaxKelvin == 0 {
		cfg.MaxKelvin = registry.DefaultMaxKelvin
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	return &Bridge{
		registry:        cfg.Registry,
		commander:       cfg.Commander,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "mqttbridge"),
		baseTopic:       cfg.Topic,
		discoveryPrefix: cfg.DiscoveryPrefix,
		statusTopic:     cfg.StatusTopic,
		birthPayload:    cfg.BirthPayload,
		minKelvin:       cfg.MinKelvin,
		maxKelvin:       cfg.MaxKelvin,
		sendTimeout:     cfg.SendTimeout,
	}
}

// Connect dials the broker and waits for the connection or ctx.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := waitToken(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Start subscribes and publishes the initial view for a Bridge created
// with NewWithClient, where no OnConnect handler runs.
func (b *Bridge) Start() {
	b.onConnect(b.client)
}

// Close marks the bridge unavailable and disconnects. A clean shutdown
// publishes the retained "offline" itself since the will only fires on
// an ungraceful drop.
func (b *Bridge) Close() {
	b.publish(b.availabilityTopic(), 1, true, []byte("offline"))
	b.client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
	b.logger.Info("disconnected from broker")
}

// onConnect runs on every (re)connection: subscriptions do not survive
// a broker session drop, and retained discovery may have been wiped by
// a controller restart.
func (b *Bridge) onConnect(client mqtt.Client) {
	if b.connected.Add(1) > 1 {
		b.metrics.IncBrokerReconnects()
		b.logger.Info("reconnected to broker")
	} else {
		b.logger.Info("connected to broker")
	}

	if t := client.Subscribe(b.setFilter(), 1, b.handleSet); t.Wait() && t.Error() != nil {
		b.logger.Error("subscribe to set topics", "error", t.Error())
	}
	if b.statusTopic != "" {
		if t := client.Subscribe(b.statusTopic, 1, b.handleBirth); t.Wait() && t.Error() != nil {
			b.logger.Error("subscribe to controller status", "error", t.Error())
		}
	}

	b.publish(b.availabilityTopic(), 1, true, []byte("online"))
	b.republishAll()
}

// republishAll pushes discovery, availability, and state for every known
// device and group.
func (b *Bridge) republishAll() {
	for _, d := range b.registry.Devices() {
		b.publishDeviceDiscovery(d)
		b.publishDeviceState(d)
	}
	for _, g := range b.registry.Groups() {
		agg, err := b.registry.Aggregate(g.GroupID)
		if err != nil {
			continue
		}
		b.publishGroupDiscovery(g)
		b.publishGroupState(g, agg)
	}
}

// handleBirth reacts to the controller's birth message by republishing
// discovery, so entities reappear after a controller restart.
func (b *Bridge) handleBirth(_ mqtt.Client, msg mqtt.Message) {
	if string(msg.Payload()) != b.birthPayload {
		return
	}
	b.logger.Info("controller birth message, republishing discovery")
	b.republishAll()
}

// handleSet translates one inbound command message into mesh dispatches.
// A failed dispatch leaves retained state untouched; the controller's
// optimistic state rolls back on its own.
func (b *Bridge) handleSet(_ mqtt.Client, msg mqtt.Message) {
	req, err := b.parseSetTopic(msg.Topic())
	if err != nil {
		b.logger.Warn("drop command", "topic", msg.Topic(), "error", err)
		return
	}

	target := dispatch.Target{Group: req.group, GroupID: req.id}
	if !req.group {
		if req.id < 1 || req.id > 255 {
			b.logger.Warn("drop command", "topic", msg.Topic(), "error", ErrBadTargetID)
			return
		}
		target = dispatch.Target{CyncID: uint8(req.id)}
	}

	cmds, err := parseSetPayload(msg.Payload(), req.extra)
	if err != nil {
		b.logger.Warn("drop command", "target", target, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
	defer cancel()
	ctx = correlate.WithID(ctx)

	for _, cmd := range cmds {
		res, err := b.commander.Send(ctx, target, cmd)
		if err != nil {
			b.logger.Warn("dispatch failed", "target", target,
				correlate.Attr(ctx), "error", err)
			return
		}
		b.logger.Debug("dispatched command", "target", target,
			"session", res.SessionID, "retries", res.Retries, correlate.Attr(ctx))
	}
}

// publish fires one message and logs delivery failures asynchronously.
func (b *Bridge) publish(topic string, qos byte, retained bool, payload []byte) {
	t := b.client.Publish(topic, qos, retained, payload)
	go func() {
		if t.Wait() && t.Error() != nil {
			b.logger.Warn("publish failed", "topic", topic, "error", t.Error())
		}
	}()
}

// waitToken waits for a paho token or context cancellation.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Done():
	}
	return t.Error()
}
