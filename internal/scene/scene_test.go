package scene

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mPyKen/Caman/internal/compositor"
	"github.com/mPyKen/Caman/internal/frame"
	"github.com/mPyKen/Caman/internal/provider"
)

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestDim_Unmarshal(t *testing.T) {
	var l LayerSpec
	require.NoError(t, yaml.Unmarshal([]byte(`{position: [12, "25%"], size: [-1, 40]}`), &l))

	assert.Equal(t, 12, l.Position[0].Pixels(200, 0))
	assert.Equal(t, 25, l.Position[1].Pixels(100, 0))
	assert.Equal(t, frame.Auto, l.Size[0].Pixels(200, frame.Auto))
	assert.Equal(t, 40, l.Size[1].Pixels(100, frame.Auto))

	var omitted LayerSpec
	require.NoError(t, yaml.Unmarshal([]byte(`{name: x}`), &omitted))
	assert.Equal(t, frame.Auto, omitted.Size[0].Pixels(200, frame.Auto), "omitted size is auto, not zero")
	assert.Equal(t, 0, omitted.Position[1].Pixels(200, 0))

	err := yaml.Unmarshal([]byte(`{size: [abc, 1]}`), &l)
	assert.Error(t, err)
}

func TestKey_Unmarshal(t *testing.T) {
	tests := map[string]Key{
		`b`:     'b',
		`space`: ' ',
		`Enter`: 13,
		`"27"`:  27,
	}
	for doc, want := range tests {
		t.Run(doc, func(t *testing.T) {
			var k Key
			require.NoError(t, yaml.Unmarshal([]byte(doc), &k))
			assert.Equal(t, want, k)
		})
	}

	var k Key
	assert.Error(t, yaml.Unmarshal([]byte(`nope`), &k))
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		is   error
	}{
		{"unknown kind", `layers: [{provider: {kind: hologramz}}]`, ErrUnknownKind},
		{"decorator without inner", `layers: [{provider: {kind: looper}}]`, ErrMissingInner},
		{"nested unknown", `layers: [{provider: {kind: looper, inner: {kind: warp}}}]`, ErrUnknownKind},
		{"source wraps", `layers: [{provider: {kind: text, text: hi, inner: {kind: text}}}]`, nil},
		{"still without path", `layers: [{provider: {kind: still}}]`, nil},
		{"relay forward reference", `layers: [{provider: {kind: relay, layer: b}}, {name: b, provider: {kind: text}}]`, nil},
		{"duplicate names", `layers: [{name: a, provider: {kind: text}}, {name: a, provider: {kind: text}}]`, nil},
		{"onpress without key", `layers: [{provider: {kind: onpress, inner: {kind: text}}}]`, nil},
		{"bad background", `background: {color: [0, 300, 0]}`, nil},
		{"short font color", `layers: [{provider: {kind: text, font: {color: [1, 2]}}}]`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestParse_DefaultNames(t *testing.T) {
	sc, err := Parse([]byte(`
layers:
  - provider: {kind: text, text: one}
  - name: mirror
    provider: {kind: relay, layer: layer-0}
`))
	require.NoError(t, err)
	assert.Equal(t, "layer-0", sc.Layers[0].Name)
	assert.Equal(t, "mirror", sc.Layers[1].Name)
}

func TestBuilder_Load(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "logo.png"), 4, 2, color.RGBA{R: 255, A: 255})
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
background: {color: [0, 0, 255]}
layers:
  - name: logo
    static: true
    position: [10, "50%"]
    provider: {kind: still, path: logo.png}
  - name: mirror
    position: [40, 4]
    size: [8, -1]
    z: 1
    provider: {kind: relay, layer: logo}
  - name: caption
    disabled: true
    provider:
      kind: text
      text: hello
      font: {size: 12, color: [0, 255, 0], background: [0, 0, 0]}
`), 0o644))

	b := &Builder{Path: path}
	c := compositor.New(compositor.Config{Width: 64, Height: 32, FPS: 30}, b)
	require.NoError(t, c.Reload(context.Background()))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	layers := c.Layers()
	require.Len(t, layers, 3)
	assert.Equal(t, image.Rect(10, 16, 14, 18), layers[0].Rect(), "auto size resolves to the native image")
	assert.False(t, layers[2].Enabled())

	require.Eventually(t, func() bool {
		return layers[1].Rect() == image.Rect(40, 4, 48, 8)
	}, 2*time.Second, 10*time.Millisecond, "relay resolves height from the mirrored aspect")

	img := c.Render()
	bb, bg, br := img.BGR(0, 0)
	assert.Equal(t, [3]uint8{255, 0, 0}, [3]uint8{bb, bg, br}, "blue background in BGR")
	lb, lg, lr := img.BGR(11, 17)
	assert.Equal(t, [3]uint8{0, 0, 255}, [3]uint8{lb, lg, lr}, "red logo")
	mb, mg, mr := img.BGR(44, 6)
	assert.Equal(t, [3]uint8{0, 0, 255}, [3]uint8{mb, mg, mr}, "mirrored logo")
	t.Logf("✅ scene built with %d layers", len(layers))
}

func TestBuilder_Media(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "clip.bin"), 3, 3, color.RGBA{G: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.bin"), []byte("plain text"), 0o644))

	b := &Builder{Path: filepath.Join(dir, "scene.yaml")}

	p, err := b.node(&ProviderSpec{Kind: "media", Path: "clip.bin"}, nil, frame.AutoSize, nil)
	require.NoError(t, err)
	assert.IsType(t, &provider.Still{}, p)

	_, err = b.node(&ProviderSpec{Kind: "media", Path: "notes.bin"}, nil, frame.AutoSize, nil)
	assert.ErrorIs(t, err, provider.ErrOpen)
}

func TestBuilder_Camera(t *testing.T) {
	sc := &Scene{Layers: []LayerSpec{{
		Name:     "cam",
		Size:     [2]Dim{Px(320), Px(240)},
		Provider: ProviderSpec{Kind: "camera", Device: "/dev/video0", FPS: 15},
	}}}

	_, err := (&Builder{}).Build(sc, 640, 480)
	assert.Error(t, err, "no camera factory")

	var got ProviderSpec
	var gotDim frame.Size
	b := &Builder{Camera: func(spec ProviderSpec, dim frame.Size) (provider.Provider, error) {
		got, gotDim = spec, dim
		return provider.NewText("cam", provider.DefaultTextStyle(), dim), nil
	}}
	out, err := b.Build(sc, 640, 480)
	require.NoError(t, err)
	require.Len(t, out.Layers, 1)
	assert.True(t, out.Layers[0].Animated())
	assert.Equal(t, "/dev/video0", got.Device)
	assert.Equal(t, frame.Size{W: 320, H: 240}, gotDim)
	out.Layers[0].Stop()

	b.Camera = func(ProviderSpec, frame.Size) (provider.Provider, error) {
		return nil, errors.New("busy")
	}
	_, err = b.Build(sc, 640, 480)
	assert.ErrorContains(t, err, "busy")
}

func TestBuilder_Chain(t *testing.T) {
	sc, err := Parse([]byte(`
layers:
  - name: banner
    provider:
      kind: frequency
      fps: 5
      inner:
        kind: hologram
        key: h
        inner: {kind: text, text: LIVE}
`))
	require.NoError(t, err)

	out, err := (&Builder{}).Build(sc, 100, 50)
	require.NoError(t, err)
	require.Len(t, out.Layers, 1)
	assert.Equal(t, [3]uint8{0, 0, 0}, func() [3]uint8 {
		b, g, r := out.Background.BGR(0, 0)
		return [3]uint8{b, g, r}
	}(), "default background is black")

	l := out.Layers[0]
	assert.True(t, l.Command(provider.Key('h')), "the hologram filter consumes its key")
	l.Stop()
}

func TestWatch_Debounced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte("layers: []\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func() { changed <- struct{}{} })
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("layers: []\n# edit\n"), 0o644)
		select {
		case <-changed:
			return true
		default:
			return false
		}
	}, 3*time.Second, 100*time.Millisecond)

	// Sibling files do not trigger reloads.
	for len(changed) > 0 {
		<-changed
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, changed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
