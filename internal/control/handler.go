package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-posture/internal/config"
)

const (
	commandBuffer    = 10
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
)

// Command represents a control plane command
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	RequestID  string                 `json:"request_id"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// SetModeParams are the params of set_mode
type SetModeParams struct {
	Mode string `json:"mode" validate:"required,oneof=camera pocket"`
}

// SetOrientationParams are the params of set_orientation
type SetOrientationParams struct {
	Orientation string `json:"orientation" validate:"required,oneof=portrait portrait-upside-down landscape-left landscape-right face-up face-down unknown"`
}

// Client is the part of mqtt.Client the handler uses
type Client interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus      func() map[string]interface{}
	OnStart          func(ctx context.Context) error
	OnStop           func(ctx context.Context) error
	OnCalibrate      func(ctx context.Context) (float64, error)
	OnSetMode        func(ctx context.Context, mode string) error
	OnSetOrientation func(orientation string) error
	OnShutdown       func() error
	// OnResult observes every handled command, e.g. for metrics
	OnResult func(resp Response)
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   Client
	commands chan Command
	validate *validator.Validate

	callbacks CommandCallbacks

	stopOnce sync.Once
	done     chan struct{}
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, commandBuffer),
		validate:  validator.New(),
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(publishTimeout)
		}
		close(h.done)
		slog.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Payload())
}

// enqueue parses a payload and queues it; the queue drops when full
func (h *Handler) enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	slog.Info("control command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command, "request_id", cmd.RequestID)
	}
}

// processCommands executes queued commands one at a time
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			resp := h.handleCommand(ctx, cmd)
			h.sendResponse(resp)
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{
		CommandAck: cmd.Command,
		RequestID:  cmd.RequestID,
	}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "start":
		if h.callbacks.OnStart == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		if err := h.callbacks.OnStart(ctx); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"monitoring": true}

	case "stop":
		if h.callbacks.OnStop == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		if err := h.callbacks.OnStop(ctx); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"monitoring": false}

	case "calibrate":
		if h.callbacks.OnCalibrate == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		baseline, err := h.callbacks.OnCalibrate(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"baseline": baseline}

	case "set_mode":
		if h.callbacks.OnSetMode == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		var params SetModeParams
		if err := h.decodeParams(cmd, &params); err != nil {
			return fail(err)
		}
		if err := h.callbacks.OnSetMode(ctx, params.Mode); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"mode": params.Mode}

	case "set_orientation":
		if h.callbacks.OnSetOrientation == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		var params SetOrientationParams
		if err := h.decodeParams(cmd, &params); err != nil {
			return fail(err)
		}
		if err := h.callbacks.OnSetOrientation(params.Orientation); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"orientation": params.Orientation}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return fail(errNotImplemented(cmd.Command))
		}
		if err := h.callbacks.OnShutdown(); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"message": "shutdown initiated"}

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// decodeParams unmarshals and validates command params
func (h *Handler) decodeParams(cmd Command, dst interface{}) error {
	if len(cmd.Params) == 0 {
		return fmt.Errorf("%s: missing params", cmd.Command)
	}
	if err := json.Unmarshal(cmd.Params, dst); err != nil {
		return fmt.Errorf("%s: invalid params: %w", cmd.Command, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%s: invalid params: %w", cmd.Command, err)
	}
	return nil
}

func errNotImplemented(command string) error {
	return fmt.Errorf("%s not implemented", command)
}

// sendResponse publishes a response on the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if h.callbacks.OnResult != nil {
		defer func() { h.callbacks.OnResult(resp) }()
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
