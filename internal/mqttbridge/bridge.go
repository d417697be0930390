package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

const (
	// DefaultBaseTopic is the topic prefix for all bridge traffic.
	DefaultBaseTopic = "iocontrol"

	// DefaultQoS is the delivery guarantee for state and command topics.
	DefaultQoS byte = 1

	// DefaultTokenTimeout bounds every wait on a broker acknowledgement.
	DefaultTokenTimeout = 5 * time.Second

	stateOnline  = "ready"
	stateOffline = "lost"
)

// ErrTokenTimeout is returned when the broker does not acknowledge in time.
var ErrTokenTimeout = errors.New("mqtt: timed out waiting for broker")

// Client is the subset of mqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Controller is the subset of *engine.Engine the bridge drives.
type Controller interface {
	Subscribe(filter engine.Filter) *engine.Subscription
	Write(ctx context.Context, name string, v point.Value) error
	Points() []point.IoPoint
}

// Bridge forwards change events to MQTT and commands from MQTT to writes.
type Bridge struct {
	client       Client
	ctrl         Controller
	base         string
	qos          byte
	tokenTimeout time.Duration
	filter       engine.Filter
	logger       *slog.Logger

	kinds map[string]point.Kind

	published atomic.Uint64
	commands  atomic.Uint64
	rejected  atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBaseTopic sets the topic prefix.
// Default: "iocontrol" (DefaultBaseTopic)
func WithBaseTopic(base string) Option {
	return func(b *Bridge) { b.base = normalizeBase(base) }
}

func normalizeBase(base string) string {
	if base = strings.Trim(base, "/"); base != "" {
		return base
	}
	return DefaultBaseTopic
}

// WithQoS sets the QoS for state publishes and the command subscription.
// Default: 1 (DefaultQoS)
func WithQoS(qos byte) Option {
	return func(b *Bridge) {
		if qos <= 2 {
			b.qos = qos
		}
	}
}

// WithTokenTimeout bounds waits on broker acknowledgements.
// Default: 5s (DefaultTokenTimeout)
func WithTokenTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.tokenTimeout = d
		}
	}
}

// WithFilter restricts which points are published.
// Default: all points
func WithFilter(f engine.Filter) Option {
	return func(b *Bridge) { b.filter = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a bridge between client and ctrl. The engine should already
// be configured so the command handler knows each point's value domain.
func New(client Client, ctrl Controller, opts ...Option) *Bridge {
	b := &Bridge{
		client:       client,
		ctrl:         ctrl,
		base:         DefaultBaseTopic,
		qos:          DefaultQoS,
		tokenTimeout: DefaultTokenTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StateTopic returns the retained state topic of a point.
func (b *Bridge) StateTopic(name string) string { return b.base + "/" + name + "/state" }

// CommandTopic returns the command topic of a point.
func (b *Bridge) CommandTopic(name string) string { return b.base + "/" + name + "/set" }

// StatusTopic returns the bridge availability topic.
func (b *Bridge) StatusTopic() string { return b.base + "/$state" }

// Run subscribes to command topics and publishes change events until the
// engine's event stream ends or ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.kinds = make(map[string]point.Kind)
	for _, p := range b.ctrl.Points() {
		if p.Type.IsOutput() {
			b.kinds[p.Name] = p.Type.Kind()
		}
	}

	sub := b.ctrl.Subscribe(b.filter)
	defer sub.Close()

	wildcard := b.base + "/+/set"
	if err := b.wait(b.client.Subscribe(wildcard, b.qos, b.handleCommand(ctx))); err != nil {
		return fmt.Errorf("subscribe %s: %w", wildcard, err)
	}
	defer func() {
		if err := b.wait(b.client.Unsubscribe(wildcard)); err != nil {
			b.logger.Warn("mqtt unsubscribe failed", "topic", wildcard, "error", err)
		}
	}()

	b.publishStatus(stateOnline)
	defer b.publishStatus(stateOffline)

	b.logger.Info("mqtt bridge started",
		"base", b.base,
		"outputs", len(b.kinds))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				b.logger.Info("mqtt bridge stopped",
					"published", b.published.Load(),
					"commands", b.commands.Load(),
					"rejected", b.rejected.Load())
				return nil
			}
			b.publishEvent(ev)
		}
	}
}

func (b *Bridge) publishEvent(ev engine.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encode change event", "point", ev.Name, "error", err)
		return
	}
	topic := b.StateTopic(ev.Name)
	if err := b.wait(b.client.Publish(topic, b.qos, true, payload)); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "seq", ev.Seq, "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) publishStatus(state string) {
	if err := b.wait(b.client.Publish(b.StatusTopic(), b.qos, true, state)); err != nil {
		b.logger.Warn("mqtt status publish failed", "state", state, "error", err)
	}
}

// handleCommand returns the message handler for <base>/+/set. Writes run
// on paho's callback goroutine, one message at a time.
func (b *Bridge) handleCommand(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		name, ok := b.commandPoint(msg.Topic())
		if !ok {
			b.reject(msg.Topic(), "", errors.New("malformed command topic"))
			return
		}
		kind, ok := b.kinds[name]
		if !ok {
			b.reject(msg.Topic(), name, errors.New("not a writable point"))
			return
		}
		v, err := point.ParseValue(string(msg.Payload()), kind)
		if err != nil {
			b.reject(msg.Topic(), name, err)
			return
		}
		if err := b.ctrl.Write(ctx, name, v); err != nil {
			b.reject(msg.Topic(), name, err)
			return
		}
		b.commands.Add(1)
		b.logger.Debug("mqtt command applied", "point", name, "value", v)
	}
}

func (b *Bridge) commandPoint(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.base+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (b *Bridge) reject(topic, name string, err error) {
	b.rejected.Add(1)
	b.logger.Warn("mqtt command rejected",
		"topic", topic,
		"point", name,
		"error", err)
}

func (b *Bridge) wait(t mqtt.Token) error {
	if !t.WaitTimeout(b.tokenTimeout) {
		return ErrTokenTimeout
	}
	return t.Error()
}

// Published returns how many change events reached the broker.
func (b *Bridge) Published() uint64 { return b.published.Load() }

// Commands returns how many command messages were applied.
func (b *Bridge) Commands() uint64 { return b.commands.Load() }

// Rejected returns how many command messages were refused.
func (b *Bridge) Rejected() uint64 { return b.rejected.Load() }
