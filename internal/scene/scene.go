// Package scene reads the YAML scene description and builds the layer set
// and provider chains it describes.
//
// A provider chain is a tagged tree: every node names its Kind, sources are
// leaves, and every decorator or filter has exactly one Inner node.
package scene

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownKind is returned for a provider kind the builder does not know.
	ErrUnknownKind = errors.New("scene: unknown provider kind")
	// ErrMissingInner is returned for a decorator without an inner provider.
	ErrMissingInner = errors.New("scene: decorator needs an inner provider")
)

// Scene is the decoded scene file.
type Scene struct {
	Background Background  `yaml:"background"`
	Layers     []LayerSpec `yaml:"layers"`
}

// Background is a solid color (R,G,B) or an image file.
type Background struct {
	Color []int  `yaml:"color"`
	Path  string `yaml:"path"`
}

// LayerSpec places one provider chain on the canvas.
type LayerSpec struct {
	Name     string       `yaml:"name"`
	Position [2]Dim       `yaml:"position"`
	Size     [2]Dim       `yaml:"size"`
	Z        int          `yaml:"z"`
	Static   bool         `yaml:"static"`
	Disabled bool         `yaml:"disabled"`
	Provider ProviderSpec `yaml:"provider"`
}

// ProviderSpec is one node of a provider chain. Fields not used by Kind are
// ignored.
type ProviderSpec struct {
	Kind string `yaml:"kind"`

	// sources
	Path     string        `yaml:"path"`     // still, gif, video, media
	Device   string        `yaml:"device"`   // camera
	Width    int           `yaml:"width"`    // camera, screen capture size
	Height   int           `yaml:"height"`   // camera, screen capture size
	X        int           `yaml:"x"`        // screen
	Y        int           `yaml:"y"`        // screen
	Display  string        `yaml:"display"`  // screen
	Text     string        `yaml:"text"`     // text
	Command  string        `yaml:"command"`  // command
	Interval time.Duration `yaml:"interval"` // command
	Layer    string        `yaml:"layer"`    // relay
	Font     FontSpec      `yaml:"font"`     // text, command

	// decorators
	FPS      float64       `yaml:"fps"` // frequency, camera, screen
	Key      Key           `yaml:"key"`
	Duration time.Duration `yaml:"duration"` // boomerang
	Grace    time.Duration `yaml:"grace"`    // boomerang
	Speed    int           `yaml:"speed"`    // hshift
	Pad      float64       `yaml:"pad"`      // hshift
	On       bool          `yaml:"on"`       // filters start enabled

	Inner *ProviderSpec `yaml:"inner"`
}

// FontSpec styles text sources. Colors are R,G,B.
type FontSpec struct {
	Size       float64 `yaml:"size"`
	Color      []int   `yaml:"color"`
	Background []int   `yaml:"background"`
	Padding    int     `yaml:"padding"`
}

// Dim is a pixel count, the -1 sentinel, or a percentage of the canvas
// ("33%").
type Dim struct {
	Value    int
	Percent  float64
	Relative bool
	set      bool
}

// Px is an absolute dimension.
func Px(v int) Dim { return Dim{Value: v, set: true} }

// Pct is a dimension relative to the canvas.
func Pct(v float64) Dim { return Dim{Percent: v, Relative: true, set: true} }

func (d *Dim) UnmarshalYAML(n *yaml.Node) error {
	s := strings.TrimSpace(n.Value)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return fmt.Errorf("scene: line %d: bad percentage %q", n.Line, n.Value)
		}
		*d = Pct(v)
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("scene: line %d: bad dimension %q", n.Line, n.Value)
	}
	*d = Px(v)
	return nil
}

// Pixels resolves d against the canvas extent along its axis. An omitted
// dimension yields unset.
func (d Dim) Pixels(extent, unset int) int {
	if !d.set {
		return unset
	}
	if d.Relative {
		return int(float64(extent) * d.Percent / 100)
	}
	return d.Value
}

// Key is a key code written as a single character, a name, or a number.
type Key int

var keyNames = map[string]Key{
	"space":     ' ',
	"enter":     13,
	"return":    13,
	"escape":    27,
	"tab":       9,
	"backspace": 8,
}

func (k *Key) UnmarshalYAML(n *yaml.Node) error {
	s := n.Value
	if r := []rune(s); len(r) == 1 {
		*k = Key(r[0])
		return nil
	}
	if v, ok := keyNames[strings.ToLower(s)]; ok {
		*k = v
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		*k = Key(v)
		return nil
	}
	return fmt.Errorf("scene: line %d: bad key %q", n.Line, s)
}

// kinds lists every provider kind and whether it wraps an inner provider.
var kinds = map[string]bool{
	"still":   false,
	"gif":     false,
	"video":   false,
	"screen":  false,
	"camera":  false,
	"text":    false,
	"command": false,
	"relay":   false,
	"media":   false,

	"frequency":    true,
	"looper":       true,
	"onpress":      true,
	"boomerang":    true,
	"hshift":       true,
	"segmentation": true,
	"smoothing":    true,
	"invert":       true,
	"hologram":     true,
}

// Load reads and validates a scene file.
func Load(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scene: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates scene bytes.
func Parse(data []byte) (*Scene, error) {
	var sc Scene
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("scene: parse: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks every layer and chain. Layer names must be unique and a
// relay may only mirror a layer declared before it.
func (sc *Scene) Validate() error {
	if c := sc.Background.Color; c != nil {
		if _, err := rgb(c); err != nil {
			return fmt.Errorf("scene: background: %w", err)
		}
	}
	seen := make(map[string]bool, len(sc.Layers))
	for i := range sc.Layers {
		l := &sc.Layers[i]
		if l.Name == "" {
			l.Name = fmt.Sprintf("layer-%d", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("scene: duplicate layer name %q", l.Name)
		}
		if err := l.Provider.validate(seen); err != nil {
			return fmt.Errorf("scene: layer %q: %w", l.Name, err)
		}
		seen[l.Name] = true
	}
	return nil
}

func (p *ProviderSpec) validate(layers map[string]bool) error {
	wraps, ok := kinds[p.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if wraps && p.Inner == nil {
		return fmt.Errorf("%w: %s", ErrMissingInner, p.Kind)
	}
	if !wraps && p.Inner != nil {
		return fmt.Errorf("scene: source %s cannot wrap a provider", p.Kind)
	}

	switch p.Kind {
	case "still", "gif", "video", "media":
		if p.Path == "" {
			return fmt.Errorf("scene: %s needs a path", p.Kind)
		}
	case "command":
		if p.Command == "" {
			return fmt.Errorf("scene: command needs a command line")
		}
	case "relay":
		if !layers[p.Layer] {
			return fmt.Errorf("scene: relay source %q is not an earlier layer", p.Layer)
		}
	case "screen":
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("scene: screen needs a positive width and height")
		}
	case "onpress", "boomerang":
		if p.Key == 0 {
			return fmt.Errorf("scene: %s needs a key", p.Kind)
		}
	case "frequency":
		if p.FPS < 0 {
			return fmt.Errorf("scene: frequency fps must be >= 0")
		}
	}
	for _, c := range [][]int{p.Font.Color, p.Font.Background} {
		if c == nil {
			continue
		}
		if _, err := rgb(c); err != nil {
			return fmt.Errorf("scene: font: %w", err)
		}
	}

	if p.Inner != nil {
		return p.Inner.validate(layers)
	}
	return nil
}

// rgb converts a 3-component color list.
func rgb(c []int) ([3]uint8, error) {
	if len(c) != 3 {
		return [3]uint8{}, fmt.Errorf("color needs 3 components, got %d", len(c))
	}
	var out [3]uint8
	for i, v := range c {
		if v < 0 || v > 255 {
			return [3]uint8{}, fmt.Errorf("color component %d out of range", v)
		}
		out[i] = uint8(v)
	}
	return out, nil
}
