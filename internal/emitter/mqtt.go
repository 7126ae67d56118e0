package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-posture/internal/bus"
	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/status"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	// changeBuffer is the emitter's queue on the status change bus
	changeBuffer = 16
	subscriberID = "emitter"

	onlinePayload  = `{"status":"online"}`
	offlinePayload = `{"status":"offline"}`
)

// Publisher is the part of mqtt.Client the emitter publishes through
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes status changes and health payloads to the broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	pub Publisher

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.MQTT.Broker)
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Retained "offline" status so subscribers notice an unclean exit
	opts.SetWill(e.cfg.MQTT.Topics.Health, offlinePayload, e.cfg.MQTT.QoS["health"], true)

	opts.OnConnect = e.onConnect

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	e.Client = mqtt.NewClient(opts)
	e.pub = e.Client

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run publishes every status change from changes until ctx is cancelled.
// Status payloads are retained so late subscribers see the current status.
func (e *MQTTEmitter) Run(ctx context.Context, changes *bus.Bus[status.Change]) error {
	ch := make(chan status.Change, changeBuffer)
	if err := changes.Subscribe(subscriberID, ch); err != nil {
		return fmt.Errorf("subscribe to status changes: %w", err)
	}
	defer changes.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-ch:
			if err := e.PublishStatus(change); err != nil {
				slog.Warn("status publish failed",
					"status", change.Status,
					"seq", change.Seq,
					"error", err,
				)
			}
		}
	}
}

// PublishStatus publishes one status change, retained
func (e *MQTTEmitter) PublishStatus(change status.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Status, e.cfg.MQTT.QoS["status"], true, payload)
}

// onConnect runs on every (re)connect. The retained online payload replaces
// a will left behind by an earlier unclean exit.
func (e *MQTTEmitter) onConnect(c mqtt.Client) {
	e.setConnected(true)
	slog.Info("mqtt connection established",
		"broker", e.cfg.MQTT.Broker,
		"client_id", e.cfg.InstanceID,
		"auto_reconnect", "enabled")

	if err := e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], true, []byte(onlinePayload)); err != nil {
		slog.Warn("failed to publish online presence", "error", err)
	}
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], false, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.pub.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"retained", retained,
		"size", len(payload),
	)

	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Connected reports whether the broker connection is up
func (e *MQTTEmitter) Connected() bool {
	return e.isConnected()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.pub != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
