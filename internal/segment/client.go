// Package segment talks to the external body-segmentation service.
//
// The service takes a JPEG-encoded, downscaled frame as the body of an HTTP
// POST and answers with a raw single-channel mask the size of that downscaled
// frame, one byte per pixel.
package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mPyKen/Caman/internal/frame"
)

// Config configures the client.
type Config struct {
	URL        string
	Scale      float64       // downscale factor before upload (default 0.25)
	BinaryMask bool          // service answers 0/1 instead of 0/255
	Timeout    time.Duration // per request (default 2s)
	Quality    int           // JPEG quality (default 90)
	Retry      RetryConfig
}

// ErrShortMask is returned when the response does not cover the frame.
var ErrShortMask = errors.New("segment: short mask")

// Client requests masks, retrying failures until the caller's context ends.
type Client struct {
	cfg  Config
	http *http.Client

	requests uint64
	failures uint64
}

// NewClient applies defaults to cfg.
func NewClient(cfg Config) *Client {
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = 0.25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}
	if cfg.Retry.RetryDelay <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Segment returns a mask at the frame's full resolution. It retries until a
// request succeeds or ctx is done.
func (c *Client) Segment(ctx context.Context, img *frame.Image) (*frame.Mask, error) {
	w := max(1, int(float64(img.W)*c.cfg.Scale))
	h := max(1, int(float64(img.H)*c.cfg.Scale))
	small := frame.Resize(img, w, h)

	var body bytes.Buffer
	if err := jpeg.Encode(&body, small.RGBA(), &jpeg.Options{Quality: c.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("segment: encode jpeg: %w", err)
	}
	payload := body.Bytes()

	var mask *frame.Mask
	err := RunWithRetry(ctx, func(ctx context.Context) error {
		m, err := c.request(ctx, payload, w, h)
		if err != nil {
			return err
		}
		mask = m
		return nil
	}, c.cfg.Retry, &c.failures)
	if err != nil {
		return nil, err
	}
	return frame.ResizeMask(mask, img.W, img.H), nil
}

func (c *Client) request(ctx context.Context, payload []byte, w, h int) (*frame.Mask, error) {
	atomic.AddUint64(&c.requests, 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("segment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segment: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("segment: status %d", resp.StatusCode)
	}

	mask := frame.NewMask(w, h)
	if _, err := io.ReadFull(resp.Body, mask.Pix); err != nil {
		return nil, fmt.Errorf("%w: want %d bytes: %w", ErrShortMask, w*h, err)
	}
	if c.cfg.BinaryMask {
		for i, v := range mask.Pix {
			if v > 0 {
				mask.Pix[i] = 0xff
			}
		}
	}
	return mask, nil
}

// Stats reports request counters.
type Stats struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests: atomic.LoadUint64(&c.requests),
		Failures: atomic.LoadUint64(&c.failures),
	}
}
