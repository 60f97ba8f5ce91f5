package camera

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/mPyKen/Caman/internal/frame"
)

// Config selects a V4L2 capture device and the negotiated frame size.
type Config struct {
	Device string
	Width  int
	Height int
	FPS    float64
}

// cameraPipeline holds the elements needed for teardown.
type cameraPipeline struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

// buildCaps returns the BGR caps string the appsink is locked to.
//
// Framerate is omitted when fps <= 0 so the device default is negotiated.
func buildCaps(width, height int, fps float64) string {
	caps := fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", width, height)
	if fps <= 0 {
		return caps
	}
	num, den := int(fps), 1
	if fps < 1.0 {
		num, den = 1, int(1.0/fps)
	}
	return fmt.Sprintf("%s,framerate=%d/%d", caps, num, den)
}

// createCameraPipeline builds
//
//	v4l2src → videoconvert → videoscale → capsfilter(BGR) → appsink
//
// The pipeline is returned in the NULL state.
func createCameraPipeline(cfg Config) (*cameraPipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("camera: create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("camera: create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("camera: create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("camera: create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("camera: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("camera: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("camera: link pipeline: %w", err)
	}

	return &cameraPipeline{Pipeline: pipeline, AppSink: appsink}, nil
}

// destroy sets the pipeline to NULL. Safe on nil.
func (p *cameraPipeline) destroy() error {
	if p == nil || p.Pipeline == nil {
		return nil
	}
	if err := p.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("camera: set pipeline NULL: %w", err)
	}
	return nil
}

// sampleContext is the state shared with the appsink callback.
type sampleContext struct {
	frames  chan<- capturedFrame
	seq     *uint64
	dropped *uint64
	width   int
	height  int
}

type capturedFrame struct {
	seq     uint64
	at      time.Time
	traceID string
	img     *frame.Image
}

// onNewSample copies the mapped buffer into a frame and hands it over
// without blocking; a full channel drops the frame.
func onNewSample(sink *app.Sink, ctx *sampleContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("camera: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("camera: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	want := ctx.width * ctx.height * frame.Channels
	if len(data) < want {
		buffer.Unmap()
		slog.Warn("camera: short buffer", "size_bytes", len(data), "want", want)
		return gst.FlowOK
	}
	img := frame.NewImage(ctx.width, ctx.height)
	copy(img.Pix, data[:want])
	buffer.Unmap()

	f := capturedFrame{
		seq:     atomic.AddUint64(ctx.seq, 1),
		at:      time.Now(),
		traceID: uuid.New().String(),
		img:     img,
	}
	select {
	case ctx.frames <- f:
	default:
		atomic.AddUint64(ctx.dropped, 1)
		slog.Debug("camera: dropping frame, consumer busy", "seq", f.seq, "trace_id", f.traceID)
	}
	return gst.FlowOK
}
