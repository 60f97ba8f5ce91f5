package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/mPyKen/Caman/internal/frame"
)

// rawPipe reads fixed-size bgr24 frames from an ffmpeg process.
type rawPipe struct {
	cmd    *exec.Cmd
	reader *io.PipeReader
	size   frame.Size
}

// startRawPipe compiles stream into a process writing rawvideo to a pipe.
func startRawPipe(stream *ffmpeg.Stream, size frame.Size) (*rawPipe, error) {
	pr, pw := io.Pipe()
	cmd := stream.
		Output("pipe:1", ffmpeg.KwArgs{
			"format":   "rawvideo",
			"pix_fmt":  "bgr24",
			"loglevel": "error",
		}).
		WithOutput(pw).
		Compile()

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrOpen, err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()

	return &rawPipe{cmd: cmd, reader: pr, size: size}, nil
}

// read returns the next frame, or io.EOF at end of stream.
func (p *rawPipe) read() (*frame.Image, error) {
	img := frame.NewImage(p.size.W, p.size.H)
	if _, err := io.ReadFull(p.reader, img.Pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return img, nil
}

func (p *rawPipe) close() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.reader.Close()
}

// videoProbe is the subset of ffprobe output used to size the raw pipe.
type videoProbe struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// parseRate parses an ffprobe "num/den" rate.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func probeVideo(path string) (frame.Size, float64, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return frame.Size{}, 0, fmt.Errorf("%w: ffprobe %s: %w", ErrOpen, path, err)
	}
	var probe videoProbe
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return frame.Size{}, 0, fmt.Errorf("%w: ffprobe %s: %w", ErrOpen, path, err)
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" || s.Width <= 0 || s.Height <= 0 {
			continue
		}
		fps := parseRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseRate(s.RFrameRate)
		}
		return frame.Size{W: s.Width, H: s.Height}, fps, nil
	}
	return frame.Size{}, 0, fmt.Errorf("%w: %s: no video stream", ErrOpen, path)
}

// pipeSource is the shared Next/Stop logic of ffmpeg-backed sources.
type pipeSource struct {
	clock Clock
	sizer

	mu       sync.Mutex
	pipe     *rawPipe
	interval time.Duration
	due      time.Time
}

func (s *pipeSource) next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	s.mu.Lock()
	pipe, due := s.pipe, s.due
	s.mu.Unlock()
	if pipe == nil {
		return nil, nil, false
	}

	if !due.IsZero() {
		s.clock.Sleep(ctx, due.Sub(s.clock.Now()))
	}

	img, err := pipe.read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Debug("provider: ffmpeg pipe closed", "error", err)
		}
		return nil, nil, false
	}

	s.mu.Lock()
	if s.interval > 0 {
		s.due = s.clock.Now().Add(s.interval)
	}
	s.mu.Unlock()

	img, _ = s.fit(img, nil)
	return img, nil, true
}

func (s *pipeSource) swap(p *rawPipe, fps float64) {
	s.mu.Lock()
	old := s.pipe
	s.pipe = p
	s.due = time.Time{}
	s.interval = 0
	if fps > 0 {
		s.interval = time.Duration(float64(time.Second) / fps)
	}
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (s *pipeSource) Stop() error {
	s.swap(nil, 0)
	return nil
}

func (s *pipeSource) SetParams(p Params) { s.setParams(p) }

func (s *pipeSource) Command(Event) bool { return false }

// Video decodes a media file through ffmpeg, paced to its native frame rate.
// It reports exhaustion at end of file.
type Video struct {
	pipeSource
	path string
}

// NewVideo probes and opens path.
func NewVideo(path string, dim frame.Size, clock Clock) (*Video, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	v := &Video{path: path, pipeSource: pipeSource{clock: clock, sizer: sizer{dim: dim}}}
	if err := v.Reset(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Video) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	return v.next(ctx)
}

// Reset restarts decoding from the beginning of the file.
func (v *Video) Reset() error {
	size, fps, err := probeVideo(v.path)
	if err != nil {
		return err
	}
	p, err := startRawPipe(ffmpeg.Input(v.path), size)
	if err != nil {
		return err
	}
	v.swap(p, fps)
	slog.Debug("provider: video opened", "path", v.path, "size", size.String(), "fps", fps)
	return nil
}

// ScreenConfig selects the captured desktop region.
type ScreenConfig struct {
	Display string // X11 display, e.g. ":0.0"
	X, Y    int
	Width   int
	Height  int
	FPS     float64
}

// Screen captures an X11 desktop region through ffmpeg's x11grab input.
type Screen struct {
	pipeSource
	cfg ScreenConfig
}

// NewScreen starts the capture process.
func NewScreen(cfg ScreenConfig, dim frame.Size, clock Clock) (*Screen, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: screen region %dx%d", ErrOpen, cfg.Width, cfg.Height)
	}
	if cfg.Display == "" {
		cfg.Display = ":0.0"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Screen{cfg: cfg, pipeSource: pipeSource{clock: clock, sizer: sizer{dim: dim}}}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Screen) Next(ctx context.Context) (*frame.Image, *frame.Mask, bool) {
	return s.next(ctx)
}

func (s *Screen) Reset() error {
	input := ffmpeg.Input(fmt.Sprintf("%s+%d,%d", s.cfg.Display, s.cfg.X, s.cfg.Y), ffmpeg.KwArgs{
		"f":          "x11grab",
		"video_size": fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"framerate":  strconv.FormatFloat(s.cfg.FPS, 'f', -1, 64),
		"draw_mouse": "1",
	})
	p, err := startRawPipe(input, frame.Size{W: s.cfg.Width, H: s.cfg.Height})
	if err != nil {
		return err
	}
	// x11grab paces itself.
	s.swap(p, 0)
	return nil
}
