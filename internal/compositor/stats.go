package compositor

import (
	"math"
	"sync"
	"time"

	"github.com/mPyKen/Caman/internal/layer"
)

// statsWindow is the number of recent ticks the FPS statistics cover.
const statsWindow = 120

// FPSStats describes the render cadence over the recent window.
type FPSStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`

	// Jitter is the deviation of each interval from 1/Mean, in seconds.
	JitterMean   float64 `json:"jitter_mean_s"`
	JitterStdDev float64 `json:"jitter_stddev_s"`
	JitterMax    float64 `json:"jitter_max_s"`
}

// Stats is a snapshot of the compositor.
type Stats struct {
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	Frames       uint64        `json:"frames"`
	SinkErrors   uint64        `json:"sink_errors"`
	Reloads      uint64        `json:"reloads"`
	FPS          FPSStats      `json:"fps"`
	RenderMeanMS float64       `json:"render_mean_ms"`
	Layers       []layer.Stats `json:"layers"`
}

// Stats returns render and per-layer statistics.
func (c *Compositor) Stats() Stats {
	times, render, sinkErrs := c.stats.snapshot()
	s := Stats{
		Width:      c.cfg.Width,
		Height:     c.cfg.Height,
		Frames:     c.seq.Load(),
		SinkErrors: sinkErrs,
		Reloads:    c.reloads.Load(),
		FPS:        CalculateFPSStats(times),
	}
	if len(render) > 0 {
		var sum time.Duration
		for _, d := range render {
			sum += d
		}
		s.RenderMeanMS = float64(sum) / float64(len(render)) / float64(time.Millisecond)
	}
	for _, l := range c.Layers() {
		s.Layers = append(s.Layers, l.Stats())
	}
	return s
}

// renderStats is a ring of recent tick times and render durations.
type renderStats struct {
	mu       sync.Mutex
	times    []time.Time
	render   []time.Duration
	next     int
	full     bool
	sinkErrs uint64
}

func newRenderStats(n int) *renderStats {
	return &renderStats{
		times:  make([]time.Time, n),
		render: make([]time.Duration, n),
	}
}

func (s *renderStats) record(at time.Time, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[s.next] = at
	s.render[s.next] = took
	s.next++
	if s.next == len(s.times) {
		s.next = 0
		s.full = true
	}
}

func (s *renderStats) sinkError() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkErrs++
	return s.sinkErrs
}

// snapshot returns the window in chronological order.
func (s *renderStats) snapshot() ([]time.Time, []time.Duration, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]time.Time(nil), s.times[:s.next]...),
			append([]time.Duration(nil), s.render[:s.next]...),
			s.sinkErrs
	}
	times := append(append([]time.Time(nil), s.times[s.next:]...), s.times[:s.next]...)
	render := append(append([]time.Duration(nil), s.render[s.next:]...), s.render[:s.next]...)
	return times, render, s.sinkErrs
}

// CalculateFPSStats derives cadence statistics from chronological tick
// times. Mean is intervals over elapsed time; min, max and stddev are over
// the instantaneous rates.
func CalculateFPSStats(times []time.Time) FPSStats {
	n := len(times)
	if n < 2 {
		return FPSStats{}
	}
	elapsed := times[n-1].Sub(times[0]).Seconds()
	if elapsed <= 0 {
		return FPSStats{}
	}
	mean := float64(n-1) / elapsed

	rates := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if iv := times[i].Sub(times[i-1]).Seconds(); iv > 0 {
			rates = append(rates, 1/iv)
		}
	}
	if len(rates) == 0 {
		return FPSStats{Mean: mean}
	}

	st := FPSStats{Mean: mean, Min: rates[0], Max: rates[0]}
	var sq float64
	for _, r := range rates {
		st.Min = math.Min(st.Min, r)
		st.Max = math.Max(st.Max, r)
		sq += (r - mean) * (r - mean)
	}
	st.StdDev = math.Sqrt(sq / float64(len(rates)))

	expected := 1 / mean
	jitters := make([]float64, 0, n-1)
	var jsum float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jsum += j
		st.JitterMax = math.Max(st.JitterMax, j)
	}
	st.JitterMean = jsum / float64(len(jitters))
	var jsq float64
	for _, j := range jitters {
		jsq += (j - st.JitterMean) * (j - st.JitterMean)
	}
	st.JitterStdDev = math.Sqrt(jsq / float64(len(jitters)))
	return st
}
