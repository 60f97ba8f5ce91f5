package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mPyKen/Caman/internal/config"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

// fakeBroker records publishes and keeps the subscribed callback.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published map[string][][]byte
	pubErr    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		connected: true,
		handlers:  map[string]mqtt.MessageHandler{},
		published: map[string][][]byte{},
	}
}

func (b *fakeBroker) IsConnected() bool { return b.connected }

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.handlers[topic] = cb
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubErr != nil {
		return doneToken{err: b.pubErr}
	}
	b.published[topic] = append(b.published[topic], payload.([]byte))
	return doneToken{}
}

func (b *fakeBroker) send(topic, payload string) {
	b.mu.Lock()
	cb := b.handlers[topic]
	b.mu.Unlock()
	cb(nil, message{topic: topic, payload: []byte(payload)})
}

func (b *fakeBroker) responses(topic string) []Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Response
	for _, p := range b.published[topic] {
		var r Response
		if err := json.Unmarshal(p, &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{Topics: config.MQTTTopics{
		Control:   "caman/control/test",
		Responses: "caman/control/test/responses",
		Status:    "caman/status/test",
	}}
}

func TestHandle_Commands(t *testing.T) {
	var (
		key      int
		pointer  []string
		toggled  string
		toggleOn bool
		reloads  int
	)
	h := NewHandler(testMQTTConfig(), newFakeBroker(), CommandCallbacks{
		OnGetStatus: func() map[string]interface{} { return map[string]interface{}{"frames": 12} },
		OnReload:    func() error { reloads++; return nil },
		OnKey:       func(k int) bool { key = k; return k == 'b' },
		OnPointerDown: func(x, y int) (string, uint64, bool) {
			pointer = append(pointer, "down")
			return "bottom-right", 1, x > 10
		},
		OnPointerMove: func(x, y int) error { pointer = append(pointer, "move"); return nil },
		OnPointerUp:   func(x, y int) error { pointer = append(pointer, "up"); return errors.New("nothing grabbed") },
		OnSetLayerEnabled: func(name string, on bool) error {
			if name == "ghost" {
				return errors.New("unknown layer")
			}
			toggled, toggleOn = name, on
			return nil
		},
	})

	t.Run("get_status", func(t *testing.T) {
		r := h.Handle(Command{Command: "get_status"})
		assert.Equal(t, "success", r.Status)
		assert.Equal(t, 12, r.Data["frames"])
	})

	t.Run("reload", func(t *testing.T) {
		r := h.Handle(Command{Command: "reload"})
		assert.Equal(t, "success", r.Status)
		assert.Equal(t, 1, reloads)
	})

	t.Run("key as character and code", func(t *testing.T) {
		r := h.Handle(Command{Command: "key", Params: map[string]interface{}{"key": "b"}})
		assert.Equal(t, "success", r.Status)
		assert.Equal(t, true, r.Data["consumed"])
		assert.Equal(t, int('b'), key)

		r = h.Handle(Command{Command: "key", Params: map[string]interface{}{"key": float64(32)}})
		assert.Equal(t, false, r.Data["consumed"])
		assert.Equal(t, 32, key)

		r = h.Handle(Command{Command: "key"})
		assert.Equal(t, "error", r.Status)
	})

	t.Run("pointer", func(t *testing.T) {
		r := h.Handle(Command{Command: "pointer_down", Params: map[string]interface{}{"x": 40.0, "y": 5.0}})
		assert.Equal(t, "success", r.Status)
		assert.Equal(t, "bottom-right", r.Data["handle"])

		r = h.Handle(Command{Command: "pointer_down", Params: map[string]interface{}{"x": 1.0, "y": 5.0}})
		assert.Equal(t, false, r.Data["grabbed"])
		assert.NotContains(t, r.Data, "handle")

		r = h.Handle(Command{Command: "pointer_move", Params: map[string]interface{}{"x": 1.0, "y": 2.0}})
		assert.Equal(t, "success", r.Status)

		r = h.Handle(Command{Command: "pointer_up", Params: map[string]interface{}{"x": 1.0, "y": 2.0}})
		assert.Equal(t, "error", r.Status)
		assert.Equal(t, "nothing grabbed", r.Error)

		r = h.Handle(Command{Command: "pointer_move", Params: map[string]interface{}{"x": "left"}})
		assert.Equal(t, "error", r.Status)
		assert.Equal(t, []string{"down", "down", "move", "up"}, pointer)
	})

	t.Run("layers", func(t *testing.T) {
		r := h.Handle(Command{Command: "disable_layer", Params: map[string]interface{}{"layer": "cam"}})
		assert.Equal(t, "success", r.Status)
		assert.Equal(t, "cam", toggled)
		assert.False(t, toggleOn)

		r = h.Handle(Command{Command: "enable_layer", Params: map[string]interface{}{"layer": "cam"}})
		assert.True(t, toggleOn)

		r = h.Handle(Command{Command: "enable_layer", Params: map[string]interface{}{"layer": "ghost"}})
		assert.Equal(t, "error", r.Status)
	})

	t.Run("not implemented and unknown", func(t *testing.T) {
		r := h.Handle(Command{Command: "shutdown"})
		assert.Equal(t, "error", r.Status)
		assert.Equal(t, "shutdown not implemented", r.Error)

		r = h.Handle(Command{Command: "warp"})
		assert.Equal(t, "unknown command: warp", r.Error)
		assert.Equal(t, "warp", r.CommandAck)
	})
}

func TestHandler_RoundTrip(t *testing.T) {
	cfg := testMQTTConfig()
	broker := newFakeBroker()
	shutdown := make(chan struct{})
	h := NewHandler(cfg, broker, CommandCallbacks{
		OnReload:   func() error { return nil },
		OnShutdown: func() error { close(shutdown); return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	broker.send(cfg.Topics.Control, `{"command":"reload"}`)
	broker.send(cfg.Topics.Control, `not json`)
	broker.send(cfg.Topics.Control, `{"command":"shutdown"}`)

	require.Eventually(t, func() bool {
		return len(broker.responses(cfg.Topics.Responses)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	acks := map[string]string{}
	for _, r := range broker.responses(cfg.Topics.Responses) {
		acks[r.CommandAck] = r.Status
		_, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		assert.NoError(t, err)
	}
	assert.Equal(t, map[string]string{"unknown": "error", "reload": "success", "shutdown": "success"}, acks)

	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked after the response")
	}

	require.NoError(t, h.Stop())
	assert.Empty(t, broker.handlers)
	t.Logf("✅ control round trip complete")
}

func TestReporter(t *testing.T) {
	broker := newFakeBroker()
	r := NewReporter(testMQTTConfig(), broker)

	require.NoError(t, r.Publish(map[string]int{"frames": 3}))
	broker.pubErr = errors.New("broker down")
	assert.Error(t, r.Publish(map[string]int{"frames": 4}))
	broker.pubErr = nil
	broker.connected = false
	assert.Error(t, r.Publish(map[string]int{"frames": 5}))

	assert.Equal(t, ReporterStats{Published: 1, Errors: 2}, r.Stats())
	require.Len(t, broker.published["caman/status/test"], 1)
	assert.JSONEq(t, `{"frames":3}`, string(broker.published["caman/status/test"][0]))
}

func TestReporter_Run(t *testing.T) {
	broker := newFakeBroker()
	r := NewReporter(testMQTTConfig(), broker)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond, func() interface{} { return map[string]bool{"ok": true} })
		close(done)
	}()
	require.Eventually(t, func() bool { return r.Stats().Published >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestHandler_ReleasesIdleDrag(t *testing.T) {
	var mu sync.Mutex
	var cancelled []uint64
	next := uint64(0)
	h := NewHandler(testMQTTConfig(), newFakeBroker(), CommandCallbacks{
		OnPointerDown: func(x, y int) (string, uint64, bool) {
			next++
			return "move", next, true
		},
		OnPointerMove: func(x, y int) error { return nil },
		OnPointerUp:   func(x, y int) error { return nil },
		OnCancelDrag: func(id uint64) bool {
			mu.Lock()
			defer mu.Unlock()
			cancelled = append(cancelled, id)
			return true
		},
	})
	h.dragTimeout = 50 * time.Millisecond
	at := map[string]interface{}{"x": 1.0, "y": 1.0}
	got := func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), cancelled...)
	}

	t.Run("quiet controller", func(t *testing.T) {
		h.Handle(Command{Command: "pointer_down", Params: at})
		require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []uint64{1}, got())
	})

	t.Run("released drag is not cancelled", func(t *testing.T) {
		h.Handle(Command{Command: "pointer_down", Params: at})
		h.Handle(Command{Command: "pointer_up", Params: at})
		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, []uint64{1}, got())
	})

	t.Run("stop releases", func(t *testing.T) {
		h.dragTimeout = time.Hour
		h.Handle(Command{Command: "pointer_down", Params: at})
		require.NoError(t, h.Stop())
		assert.Equal(t, []uint64{1, 3}, got())
	})
}
