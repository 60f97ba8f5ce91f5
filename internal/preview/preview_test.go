package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mPyKen/Caman/internal/compositor"
	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/layer"
	"github.com/mPyKen/Caman/internal/provider"
)

type fakeCompositor struct {
	last atomic.Pointer[compositor.Frame]

	mu     sync.Mutex
	keys   []int
	inputs []string
}

func (f *fakeCompositor) Last() *compositor.Frame { return f.last.Load() }

func (f *fakeCompositor) Stats() compositor.Stats {
	return compositor.Stats{Width: 8, Height: 4, Frames: 7}
}

func (f *fakeCompositor) Command(ev provider.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, ev.Key)
	return ev.Key == 'b'
}

func (f *fakeCompositor) PointerDown(x, y int) (compositor.Grab, bool) {
	f.record("down")
	return compositor.Grab{ID: 7, Handle: compositor.HandleMove}, x < 8
}

func (f *fakeCompositor) PointerMove(x, y int) error {
	f.record("move")
	return nil
}

func (f *fakeCompositor) PointerUp(x, y int) error {
	f.record("up")
	return errors.New("no drag")
}

func (f *fakeCompositor) CancelDrag(id uint64) bool {
	f.record(fmt.Sprintf("cancel %d", id))
	return true
}

func (f *fakeCompositor) Reload(ctx context.Context) error {
	f.record("reload")
	return nil
}

func (f *fakeCompositor) record(s string) {
	f.mu.Lock()
	f.inputs = append(f.inputs, s)
	f.mu.Unlock()
}

func testFrame(seq uint64) *compositor.Frame {
	return &compositor.Frame{
		Seq:     seq,
		TraceID: "trace",
		At:      time.Now(),
		Image:   frame.Filled(8, 4, 0, 0, 255),
	}
}

func TestHub_OverwritesAndCountsDrops(t *testing.T) {
	h := NewHub()
	read := h.Subscribe("a")

	h.Publish(testFrame(1))
	h.Publish(testFrame(2))
	h.Publish(testFrame(3))

	f := read()
	require.NotNil(t, f)
	assert.Equal(t, uint64(3), f.Seq, "newest frame wins")

	st := h.Stats()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(2), st.Clients["a"].TotalDrops)
	assert.Zero(t, st.Clients["a"].ConsecutiveDrops)
	assert.Equal(t, uint64(3), st.Clients["a"].LastConsumedSeq)
}

func TestHub_UnsubscribeWakesReader(t *testing.T) {
	h := NewHub()
	read := h.Subscribe("a")

	got := make(chan *compositor.Frame, 1)
	go func() { got <- read() }()
	time.Sleep(10 * time.Millisecond)
	h.Unsubscribe("a")
	h.Unsubscribe("a")

	select {
	case f := <-got:
		assert.Nil(t, f)
	case <-time.After(time.Second):
		t.Fatal("reader not woken")
	}
	assert.Empty(t, h.Stats().Clients)
}

func TestHub_Stop(t *testing.T) {
	h := NewHub()
	read := h.Subscribe("a")
	h.Stop()
	assert.Nil(t, read())
	assert.Nil(t, h.Subscribe("b")(), "subscribers after stop read nil")
	h.Publish(testFrame(1))
	assert.Zero(t, h.Stats().Published)
}

func TestServer_HTTP(t *testing.T) {
	comp := &fakeCompositor{}
	srv := NewServer(Config{InstanceID: "test"}, comp, NewHub())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("readiness before first frame", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/readiness")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		resp2, err := http.Get(ts.URL + "/snapshot.jpg")
		require.NoError(t, err)
		resp2.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
	})

	comp.last.Store(testFrame(42))

	t.Run("readiness", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/readiness")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var st ReadinessStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, "ready", st.Status)
		assert.Equal(t, "test", st.InstanceID)
		assert.Equal(t, uint64(7), st.Compositor.Frames)
	})

	t.Run("snapshot", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/snapshot.jpg")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
		assert.Equal(t, "42", resp.Header.Get("X-Frame-Seq"))

		img, err := jpeg.Decode(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
		assert.Equal(t, 4, img.Bounds().Dy())
		r, g, b, _ := img.At(4, 2).RGBA()
		assert.Greater(t, r>>8, uint32(200), "red survives jpeg")
		assert.Less(t, g>>8, uint32(60))
		assert.Less(t, b>>8, uint32(60))
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		assert.Contains(t, buf.String(), `caman_frames_total{instance="test"} 7`)
	})
}

func TestServer_Stream(t *testing.T) {
	comp := &fakeCompositor{}
	hub := NewHub()
	srv := NewServer(Config{InstanceID: "test"}, comp, hub)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(hub.Stats().Clients) == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Publish(testFrame(5))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var fm FrameMessage
	require.NoError(t, msgpack.Unmarshal(data, &fm))
	assert.Equal(t, "frame", fm.Type)
	assert.Equal(t, uint64(5), fm.Seq)
	assert.Equal(t, 8, fm.Width)
	_, err = jpeg.Decode(bytes.NewReader(fm.JPEG))
	require.NoError(t, err)

	send := func(in InputMessage) {
		b, err := msgpack.Marshal(in)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, b))
	}
	recvAck := func() AckMessage {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ack AckMessage
		require.NoError(t, msgpack.Unmarshal(data, &ack))
		return ack
	}

	send(InputMessage{Type: "key", Key: 'b'})
	ack := recvAck()
	assert.Equal(t, "key", ack.Input)
	assert.True(t, ack.Consumed)

	send(InputMessage{Type: "pointer_down", X: 2, Y: 2})
	ack = recvAck()
	assert.True(t, ack.Grabbed)
	assert.Equal(t, compositor.HandleMove.String(), ack.Handle)

	send(InputMessage{Type: "pointer_move", X: 3, Y: 3})
	send(InputMessage{Type: "pointer_up", X: 3, Y: 3})
	ack = recvAck()
	assert.Equal(t, "pointer_up", ack.Input, "successful moves are not acknowledged")
	assert.Equal(t, "no drag", ack.Error)

	send(InputMessage{Type: "reload"})
	ack = recvAck()
	assert.Equal(t, "reload", ack.Input)
	assert.Empty(t, ack.Error)

	send(InputMessage{Type: "teleport"})
	ack = recvAck()
	assert.Contains(t, ack.Error, "unknown input")

	comp.mu.Lock()
	assert.Equal(t, []string{"down", "move", "up", "reload"}, comp.inputs)
	comp.mu.Unlock()

	hub.Stop()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "stopping the hub closes the stream")
	t.Logf("✅ stream delivered frame and acked input")
}

func dialStream(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	return conn
}

func TestServer_DisconnectMidDragCancels(t *testing.T) {
	comp := &fakeCompositor{}
	srv := NewServer(Config{InstanceID: "test"}, comp, NewHub())
	conn := dialStream(t, srv)

	b, err := msgpack.Marshal(InputMessage{Type: "pointer_down", X: 1, Y: 1})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, b))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		comp.mu.Lock()
		defer comp.mu.Unlock()
		return len(comp.inputs) == 2 && comp.inputs[1] == "cancel 7"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_DisconnectResumesGrabbedLayer(t *testing.T) {
	anim := layer.NewAnimated(layer.Config{Name: "anim", Size: frame.Size{W: 20, H: 20}},
		provider.NewStillImage(frame.Filled(20, 20, 0, 255, 0), nil, frame.AutoSize))
	comp := compositor.New(compositor.Config{Width: 40, Height: 40, FPS: 30},
		compositor.LoaderFunc(func(context.Context, int, int) (*compositor.Scene, error) {
			return &compositor.Scene{Layers: []*layer.Layer{anim}}, nil
		}))
	require.NoError(t, comp.Reload(context.Background()))
	t.Cleanup(func() { _ = comp.Shutdown(context.Background()) })
	require.Eventually(t, func() bool { return anim.Stats().Published > 0 }, time.Second, time.Millisecond)

	srv := NewServer(Config{InstanceID: "test"}, comp, NewHub())
	conn := dialStream(t, srv)

	b, err := msgpack.Marshal(InputMessage{Type: "pointer_down", X: 5, Y: 5})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, b))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack AckMessage
	require.NoError(t, msgpack.Unmarshal(data, &ack))
	require.True(t, ack.Grabbed)
	assert.True(t, anim.Paused())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !anim.Paused() }, 2*time.Second, 5*time.Millisecond)
	published := anim.Stats().Published
	require.Eventually(t, func() bool { return anim.Stats().Published > published }, time.Second, time.Millisecond)
	t.Logf("✅ worker resumed after client left mid-drag")
}
