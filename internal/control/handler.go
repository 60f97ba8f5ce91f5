// Package control is the MQTT control plane: it receives JSON commands,
// dispatches them to the running daemon and publishes responses and
// periodic status.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mPyKen/Caman/internal/config"
)

// Transport is the part of mqtt.Client the control plane uses.
type Transport interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus       func() map[string]interface{}
	OnReload          func() error
	OnKey             func(key int) bool
	OnPointerDown     func(x, y int) (handle string, id uint64, grabbed bool)
	OnPointerMove     func(x, y int) error
	OnPointerUp       func(x, y int) error
	OnCancelDrag      func(id uint64) bool
	OnSetLayerEnabled func(name string, on bool) error
	OnShutdown        func() error
}

// shutdownDelay lets the shutdown response reach the broker first.
const shutdownDelay = 500 * time.Millisecond

// DragTimeout releases a drag whose controller went quiet. MQTT gives no
// disconnect signal for the remote end.
const DragTimeout = 10 * time.Second

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	client    Transport
	commands  chan Command
	callbacks CommandCallbacks

	dragTimeout time.Duration
	dragMu      sync.Mutex
	drag        uint64
	dragTimer   *time.Timer
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client Transport, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:    make(chan Command, 10),
		callbacks:   callbacks,
		dragTimeout: DragTimeout,
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is done.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control

	slog.Info("control: subscribing", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscribe %s: %w", topic, err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and releases a drag started over MQTT. Commands
// already queued are dropped.
func (h *Handler) Stop() error {
	h.endDrag(0)
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		if !token.WaitTimeout(2 * time.Second) {
			slog.Warn("control: unsubscribe timeout")
		}
	}
	slog.Info("control: handler stopped")
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			resp := h.Handle(cmd)
			h.sendResponse(resp)
			if cmd.Command == "shutdown" && resp.Status == "success" {
				go func() {
					time.Sleep(shutdownDelay)
					if err := h.callbacks.OnShutdown(); err != nil {
						slog.Error("control: shutdown callback failed", "error", err)
					}
				}()
			}
		}
	}
}

// Handle executes one command and builds its response. A shutdown command
// is only acknowledged here; the callback runs after the response is sent.
func (h *Handler) Handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	fail := func(format string, args ...interface{}) Response {
		resp.Status = "error"
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}
	ok := func(data map[string]interface{}) Response {
		resp.Status = "success"
		resp.Data = data
		return resp
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail("get_status not implemented")
		}
		return ok(h.callbacks.OnGetStatus())

	case "reload":
		if h.callbacks.OnReload == nil {
			return fail("reload not implemented")
		}
		if err := h.callbacks.OnReload(); err != nil {
			return fail("%s", err)
		}
		return ok(map[string]interface{}{"reloaded": true})

	case "key":
		if h.callbacks.OnKey == nil {
			return fail("key not implemented")
		}
		key, err := keyParam(cmd.Params)
		if err != nil {
			return fail("%s", err)
		}
		return ok(map[string]interface{}{
			"key":      key,
			"consumed": h.callbacks.OnKey(key),
		})

	case "pointer_down":
		if h.callbacks.OnPointerDown == nil {
			return fail("pointer_down not implemented")
		}
		x, y, err := pointParams(cmd.Params)
		if err != nil {
			return fail("%s", err)
		}
		handle, id, grabbed := h.callbacks.OnPointerDown(x, y)
		data := map[string]interface{}{"grabbed": grabbed}
		if grabbed {
			data["handle"] = handle
			h.trackDrag(id)
		} else {
			h.clearDrag()
		}
		return ok(data)

	case "pointer_move", "pointer_up":
		cb := h.callbacks.OnPointerMove
		if cmd.Command == "pointer_up" {
			cb = h.callbacks.OnPointerUp
		}
		if cb == nil {
			return fail("%s not implemented", cmd.Command)
		}
		x, y, err := pointParams(cmd.Params)
		if err != nil {
			return fail("%s", err)
		}
		if cmd.Command == "pointer_up" {
			h.clearDrag()
		} else {
			h.touchDrag()
		}
		if err := cb(x, y); err != nil {
			return fail("%s", err)
		}
		return ok(map[string]interface{}{"x": x, "y": y})

	case "enable_layer", "disable_layer":
		if h.callbacks.OnSetLayerEnabled == nil {
			return fail("%s not implemented", cmd.Command)
		}
		name, isStr := cmd.Params["layer"].(string)
		if !isStr || name == "" {
			return fail("missing or invalid 'layer' parameter (expected string)")
		}
		on := cmd.Command == "enable_layer"
		if err := h.callbacks.OnSetLayerEnabled(name, on); err != nil {
			return fail("%s", err)
		}
		return ok(map[string]interface{}{"layer": name, "enabled": on})

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return fail("shutdown not implemented")
		}
		slog.Warn("control: shutdown command received")
		return ok(map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		})
	}
	return fail("unknown command: %s", cmd.Command)
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Responses, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

// keyParam accepts a single character ("b") or a key code (98).
func keyParam(p map[string]interface{}) (int, error) {
	switch v := p["key"].(type) {
	case float64:
		return int(v), nil
	case string:
		if r := []rune(v); len(r) == 1 {
			return int(r[0]), nil
		}
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("missing or invalid 'key' parameter (expected character or code)")
}

func pointParams(p map[string]interface{}) (int, int, error) {
	x, okX := p["x"].(float64)
	y, okY := p["y"].(float64)
	if !okX || !okY {
		return 0, 0, fmt.Errorf("missing or invalid 'x'/'y' parameters (expected numbers)")
	}
	return int(x), int(y), nil
}

// trackDrag remembers the drag id grabbed over MQTT and arms the idle timer.
func (h *Handler) trackDrag(id uint64) {
	h.dragMu.Lock()
	defer h.dragMu.Unlock()
	if h.dragTimer != nil {
		h.dragTimer.Stop()
	}
	h.drag = id
	h.dragTimer = time.AfterFunc(h.dragTimeout, func() { h.endDrag(id) })
}

func (h *Handler) touchDrag() {
	h.dragMu.Lock()
	defer h.dragMu.Unlock()
	if h.dragTimer != nil {
		h.dragTimer.Reset(h.dragTimeout)
	}
}

func (h *Handler) clearDrag() {
	h.dragMu.Lock()
	defer h.dragMu.Unlock()
	if h.dragTimer != nil {
		h.dragTimer.Stop()
		h.dragTimer = nil
	}
	h.drag = 0
}

// endDrag cancels the tracked drag. A non-zero id only matches that drag.
func (h *Handler) endDrag(id uint64) {
	h.dragMu.Lock()
	cur := h.drag
	if cur == 0 || (id != 0 && id != cur) {
		h.dragMu.Unlock()
		return
	}
	if h.dragTimer != nil {
		h.dragTimer.Stop()
		h.dragTimer = nil
	}
	h.drag = 0
	h.dragMu.Unlock()

	if h.callbacks.OnCancelDrag != nil && h.callbacks.OnCancelDrag(cur) {
		slog.Warn("control: released idle drag", "drag", cur)
	}
}
