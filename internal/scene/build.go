package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/h2non/filetype"

	"github.com/mPyKen/Caman/internal/compositor"
	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/layer"
	"github.com/mPyKen/Caman/internal/provider"
)

// CameraFactory opens a camera source. It is injected so that packages
// building scenes do not link the capture backend.
type CameraFactory func(spec ProviderSpec, dim frame.Size) (provider.Provider, error)

// Builder turns scene descriptions into layers. It implements
// compositor.Loader by reading Path on every load.
type Builder struct {
	// Path is the scene file. Relative media paths resolve against its
	// directory.
	Path string

	Clock     provider.Clock
	Segmenter provider.Segmenter
	Camera    CameraFactory
}

var _ compositor.Loader = (*Builder)(nil)

// Load reads the scene file and builds it for the canvas.
func (b *Builder) Load(ctx context.Context, width, height int) (*compositor.Scene, error) {
	sc, err := Load(b.Path)
	if err != nil {
		return nil, err
	}
	return b.Build(sc, width, height)
}

// Build constructs the background and every layer in declaration order.
// Nothing is started. On error every provider built so far is stopped.
func (b *Builder) Build(sc *Scene, width, height int) (*compositor.Scene, error) {
	bg, err := b.background(sc.Background, width, height)
	if err != nil {
		return nil, err
	}

	out := &compositor.Scene{Background: bg}
	byName := make(map[string]*layer.Layer, len(sc.Layers))
	for _, ls := range sc.Layers {
		size := frame.Size{
			W: ls.Size[0].Pixels(width, frame.Auto),
			H: ls.Size[1].Pixels(height, frame.Auto),
		}
		pos := image.Pt(ls.Position[0].Pixels(width, 0), ls.Position[1].Pixels(height, 0))

		prov, err := b.provider(&ls.Provider, size, byName)
		if err != nil {
			for _, l := range out.Layers {
				l.Stop()
			}
			return nil, fmt.Errorf("scene: layer %q: %w", ls.Name, err)
		}

		cfg := layer.Config{Name: ls.Name, Position: pos, Size: size, Z: ls.Z}
		var l *layer.Layer
		if ls.Static {
			l = layer.New(cfg, prov)
		} else {
			l = layer.NewAnimated(cfg, prov)
		}
		if ls.Disabled {
			l.Disable()
		}
		byName[ls.Name] = l
		out.Layers = append(out.Layers, l)

		slog.Debug("scene: layer built",
			"layer", ls.Name,
			"kind", ls.Provider.Kind,
			"position", pos,
			"size", size.String(),
			"z", ls.Z,
			"static", ls.Static,
		)
	}
	return out, nil
}

func (b *Builder) background(bg Background, width, height int) (*frame.Image, error) {
	if bg.Path != "" {
		img, _, err := provider.LoadImage(b.resolve(bg.Path))
		if err != nil {
			return nil, fmt.Errorf("scene: background: %w", err)
		}
		return img, nil
	}
	if bg.Color == nil {
		return frame.NewImage(width, height), nil
	}
	c, err := rgb(bg.Color)
	if err != nil {
		return nil, fmt.Errorf("scene: background: %w", err)
	}
	return frame.Filled(width, height, c[2], c[1], c[0]), nil
}

func (b *Builder) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || b.Path == "" {
		return path
	}
	return filepath.Join(filepath.Dir(b.Path), path)
}

// provider builds the chain rooted at p. dim is the layer size; sources
// scale to it and decorators that need native frames ask their child for
// them.
func (b *Builder) provider(p *ProviderSpec, dim frame.Size, layers map[string]*layer.Layer) (provider.Provider, error) {
	var inner provider.Provider
	if p.Inner != nil {
		var err error
		if inner, err = b.provider(p.Inner, dim, layers); err != nil {
			return nil, err
		}
	}

	prov, err := b.node(p, inner, dim, layers)
	if err != nil {
		if inner != nil {
			_ = inner.Stop()
		}
		return nil, err
	}
	return prov, nil
}

func (b *Builder) node(p *ProviderSpec, inner provider.Provider, dim frame.Size, layers map[string]*layer.Layer) (provider.Provider, error) {
	key := int(p.Key)
	switch p.Kind {
	case "still":
		return provider.NewStill(b.resolve(p.Path), dim)
	case "gif":
		return provider.NewGIF(b.resolve(p.Path), dim, b.Clock)
	case "video":
		return provider.NewVideo(b.resolve(p.Path), dim, b.Clock)
	case "media":
		return b.media(p, dim)
	case "screen":
		return provider.NewScreen(provider.ScreenConfig{
			Display: p.Display,
			X:       p.X,
			Y:       p.Y,
			Width:   p.Width,
			Height:  p.Height,
			FPS:     p.FPS,
		}, dim, b.Clock)
	case "camera":
		if b.Camera == nil {
			return nil, errors.New("scene: camera support is not available")
		}
		return b.Camera(*p, dim)
	case "text":
		style, err := textStyle(p.Font)
		if err != nil {
			return nil, err
		}
		return provider.NewText(p.Text, style, dim), nil
	case "command":
		style, err := textStyle(p.Font)
		if err != nil {
			return nil, err
		}
		return provider.NewCommandOutput(p.Command, p.Interval, style, dim, b.Clock)
	case "relay":
		src, ok := layers[p.Layer]
		if !ok {
			return nil, fmt.Errorf("scene: relay source %q not built", p.Layer)
		}
		return provider.NewRelay(src, dim), nil

	case "frequency":
		return provider.NewFrequency(inner, p.FPS, b.Clock), nil
	case "looper":
		return provider.NewLooper(inner), nil
	case "onpress":
		return provider.NewOnPress(inner, key, b.Clock), nil
	case "boomerang":
		return provider.NewBoomerang(inner, key, p.Duration, p.Grace, b.Clock), nil
	case "hshift":
		speed := p.Speed
		if speed == 0 {
			speed = 1
		}
		return provider.NewHorizontalShift(inner, dim, speed, p.Pad), nil
	case "segmentation":
		if b.Segmenter == nil {
			return nil, errors.New("scene: segmentation service is not configured")
		}
		return provider.NewSegmentation(inner, b.Segmenter, dim), nil
	case "smoothing":
		return provider.NewSmoothing(inner, key, p.On), nil
	case "invert":
		return provider.NewInvert(inner, key, p.On), nil
	case "hologram":
		return provider.NewHologram(inner, key, p.On), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
}

// media picks still, gif or video from the file's magic bytes.
func (b *Builder) media(p *ProviderSpec, dim frame.Size) (provider.Provider, error) {
	path := b.resolve(p.Path)
	kind, err := filetype.MatchFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: sniff %s: %w", provider.ErrOpen, path, err)
	}
	switch {
	case kind.MIME.Value == "image/gif":
		return provider.NewGIF(path, dim, b.Clock)
	case kind.MIME.Type == "image":
		return provider.NewStill(path, dim)
	case kind.MIME.Type == "video":
		return provider.NewVideo(path, dim, b.Clock)
	}
	return nil, fmt.Errorf("%w: %s: unsupported media type %q", provider.ErrOpen, path, kind.MIME.Value)
}

func textStyle(f FontSpec) (provider.TextStyle, error) {
	style := provider.DefaultTextStyle()
	if f.Size > 0 {
		style.Size = f.Size
	}
	if f.Padding > 0 {
		style.Padding = f.Padding
	}
	if f.Color != nil {
		c, err := rgb(f.Color)
		if err != nil {
			return style, err
		}
		style.Color = c
	}
	if f.Background != nil {
		c, err := rgb(f.Background)
		if err != nil {
			return style, err
		}
		style.Background = &c
	}
	return style, nil
}
