package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mPyKen/Caman/internal/compositor"
	"github.com/mPyKen/Caman/internal/provider"
)

// Compositor is what the preview server drives.
type Compositor interface {
	Last() *compositor.Frame
	Stats() compositor.Stats
	Command(ev provider.Event) bool
	PointerDown(x, y int) (compositor.Grab, bool)
	PointerMove(x, y int) error
	PointerUp(x, y int) error
	CancelDrag(id uint64) bool
	Reload(ctx context.Context) error
}

// Config configures the preview server.
type Config struct {
	Addr        string
	InstanceID  string
	JPEGQuality int // default 80
}

const (
	writeWait     = 5 * time.Second
	reloadTimeout = 10 * time.Second
	maxInputSize  = 4096
)

// FrameMessage is pushed to websocket clients for every frame they keep up
// with.
type FrameMessage struct {
	Type    string `msgpack:"type"` // "frame"
	Seq     uint64 `msgpack:"seq"`
	TraceID string `msgpack:"trace_id"`
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	JPEG    []byte `msgpack:"jpeg"`
}

// InputMessage is sent by websocket clients.
type InputMessage struct {
	Type string `msgpack:"type"` // key, pointer_down, pointer_move, pointer_up, reload
	Key  int    `msgpack:"key"`
	X    int    `msgpack:"x"`
	Y    int    `msgpack:"y"`
}

// AckMessage answers input that has a result.
type AckMessage struct {
	Type     string `msgpack:"type"` // "ack"
	Input    string `msgpack:"input"`
	Handle   string `msgpack:"handle,omitempty"`
	Grabbed  bool   `msgpack:"grabbed"`
	Consumed bool   `msgpack:"consumed"`
	Error    string `msgpack:"error,omitempty"`
}

// Server is the HTTP preview and health listener.
type Server struct {
	cfg      Config
	comp     Compositor
	hub      *Hub
	started  time.Time
	upgrader websocket.Upgrader
	jpeg     jpegCache
	clients  atomic.Int64

	srv *http.Server
}

// NewServer wires handlers around comp and hub.
func NewServer(cfg Config, comp Compositor, hub *Hub) *Server {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	s := &Server{
		cfg:     cfg,
		comp:    comp,
		hub:     hub,
		started: time.Now(),
		jpeg:    jpegCache{quality: cfg.JPEGQuality},
	}
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	mux.HandleFunc("/snapshot.jpg", s.SnapshotHandler)
	mux.HandleFunc("/ws", s.StreamHandler)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("preview: listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("starting preview server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/snapshot.jpg", "/ws"},
	)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("preview server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown disconnects stream clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("preview: shutdown: %w", err)
	}
	return nil
}

// LivenessHandler answers /health.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessStatus is the /readiness body.
type ReadinessStatus struct {
	Status        string           `json:"status"` // "ready" or "starting"
	InstanceID    string           `json:"instance_id"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Clients       int64            `json:"clients"`
	Compositor    compositor.Stats `json:"compositor"`
	Preview       HubStats         `json:"preview"`
}

// ReadinessHandler answers /readiness. The daemon is ready once the first
// frame has been rendered.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	st := ReadinessStatus{
		Status:        "ready",
		InstanceID:    s.cfg.InstanceID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Clients:       s.clients.Load(),
		Compositor:    s.comp.Stats(),
		Preview:       s.hub.Stats(),
	}
	code := http.StatusOK
	if s.comp.Last() == nil {
		st.Status = "starting"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// MetricsHandler answers /metrics in the Prometheus text format.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	st := s.comp.Stats()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	inst := s.cfg.InstanceID
	fmt.Fprintf(w, "caman_uptime_seconds{instance=%q} %d\n", inst, int64(time.Since(s.started).Seconds()))
	fmt.Fprintf(w, "caman_frames_total{instance=%q} %d\n", inst, st.Frames)
	fmt.Fprintf(w, "caman_sink_errors_total{instance=%q} %d\n", inst, st.SinkErrors)
	fmt.Fprintf(w, "caman_reloads_total{instance=%q} %d\n", inst, st.Reloads)
	fmt.Fprintf(w, "caman_fps{instance=%q} %g\n", inst, st.FPS.Mean)
	fmt.Fprintf(w, "caman_render_mean_ms{instance=%q} %g\n", inst, st.RenderMeanMS)
	fmt.Fprintf(w, "caman_layers{instance=%q} %d\n", inst, len(st.Layers))
	fmt.Fprintf(w, "caman_preview_clients{instance=%q} %d\n", inst, s.clients.Load())
}

// SnapshotHandler answers /snapshot.jpg with the last rendered frame.
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	f := s.comp.Last()
	if f == nil {
		http.Error(w, "no frame rendered yet", http.StatusServiceUnavailable)
		return
	}
	data, err := s.jpeg.encode(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Seq", fmt.Sprint(f.Seq))
	w.Header().Set("X-Trace-Id", f.TraceID)
	_, _ = w.Write(data)
}

// StreamHandler upgrades to a websocket, streams frames and applies input.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("preview: websocket upgrade failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	s.clients.Add(1)
	slog.Info("preview: client connected", "client", c.id, "remote", r.RemoteAddr)

	read := s.hub.Subscribe(c.id)
	go s.writeLoop(c, read)
	s.readLoop(c)

	if c.grab != 0 && s.comp.CancelDrag(c.grab) {
		slog.Info("preview: released drag of disconnected client", "client", c.id)
	}
	s.hub.Unsubscribe(c.id)
	_ = conn.Close()
	s.clients.Add(-1)
	slog.Info("preview: client disconnected", "client", c.id)
}

type client struct {
	id   string
	conn *websocket.Conn
	wmu  sync.Mutex

	grab uint64 // current drag, owned by readLoop
}

func (c *client) send(v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("preview: marshal: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// writeLoop exits when the client is unsubscribed or a write fails. Closing
// the connection unblocks readLoop.
func (s *Server) writeLoop(c *client, read func() *compositor.Frame) {
	defer c.conn.Close()
	for f := read(); f != nil; f = read() {
		data, err := s.jpeg.encode(f)
		if err != nil {
			slog.Error("preview: encode failed", "client", c.id, "seq", f.Seq, "error", err)
			continue
		}
		msg := FrameMessage{
			Type:    "frame",
			Seq:     f.Seq,
			TraceID: f.TraceID,
			Width:   f.Image.W,
			Height:  f.Image.H,
			JPEG:    data,
		}
		if err := c.send(msg); err != nil {
			slog.Debug("preview: write failed", "client", c.id, "error", err)
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(maxInputSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in InputMessage
		if err := msgpack.Unmarshal(data, &in); err != nil {
			slog.Warn("preview: bad input message", "client", c.id, "error", err)
			continue
		}
		ack, reply := s.apply(c, in)
		if reply {
			if err := c.send(ack); err != nil {
				return
			}
		}
	}
}

// apply routes one input message from c. It reports whether the client
// should be answered.
func (s *Server) apply(c *client, in InputMessage) (AckMessage, bool) {
	ack := AckMessage{Type: "ack", Input: in.Type}
	switch in.Type {
	case "key":
		ack.Consumed = s.comp.Command(provider.Event{Key: in.Key})
	case "pointer_down":
		g, ok := s.comp.PointerDown(in.X, in.Y)
		ack.Grabbed = ok
		c.grab = 0
		if ok {
			ack.Handle = g.Handle.String()
			c.grab = g.ID
		}
	case "pointer_move":
		if err := s.comp.PointerMove(in.X, in.Y); err != nil {
			ack.Error = err.Error()
			return ack, true
		}
		return ack, false
	case "pointer_up":
		c.grab = 0
		if err := s.comp.PointerUp(in.X, in.Y); err != nil {
			ack.Error = err.Error()
		}
	case "reload":
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := s.comp.Reload(ctx); err != nil {
			ack.Error = err.Error()
		}
	default:
		ack.Error = fmt.Sprintf("unknown input %q", in.Type)
	}
	return ack, true
}

// jpegCache encodes each frame once however many clients want it.
type jpegCache struct {
	quality int

	mu   sync.Mutex
	seq  uint64
	data []byte
}

func (j *jpegCache) encode(f *compositor.Frame) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.data != nil && j.seq == f.Seq {
		return j.data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image.RGBA(), &jpeg.Options{Quality: j.quality}); err != nil {
		return nil, fmt.Errorf("preview: jpeg: %w", err)
	}
	j.seq, j.data = f.Seq, buf.Bytes()
	return j.data, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("preview: write response failed", "error", err)
	}
}
