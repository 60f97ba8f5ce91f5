package v4l2

import (
	"errors"
	"fmt"

	"github.com/mPyKen/Caman/internal/frame"
)

// ErrGeometry is returned for a frame whose height, width or channel count
// differs from the configured geometry.
var ErrGeometry = errors.New("v4l2: frame geometry mismatch")

// Encoder serializes BGR frames of one fixed geometry into one pixel format.
type Encoder struct {
	width, height int
	format        PixelFormat
}

// NewEncoder validates the geometry and format.
func NewEncoder(width, height int, format PixelFormat) (*Encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("v4l2: invalid geometry %dx%d", width, height)
	}
	if !format.Supported() {
		return nil, fmt.Errorf("v4l2: unsupported pixel format %s", format)
	}
	return &Encoder{width: width, height: height, format: format}, nil
}

// Format returns the output pixel format.
func (e *Encoder) Format() PixelFormat { return e.format }

// BytesPerLine is the stride of one encoded row.
func (e *Encoder) BytesPerLine() int { return e.width * e.format.bytesPerPixel() }

// SizeImage is the size of one encoded frame.
func (e *Encoder) SizeImage() int { return e.BytesPerLine() * e.height }

// Validate checks img against the configured geometry.
func (e *Encoder) Validate(img *frame.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil frame", ErrGeometry)
	}
	if img.H != e.height {
		return fmt.Errorf("%w: height %d, device %d", ErrGeometry, img.H, e.height)
	}
	if img.W != e.width {
		return fmt.Errorf("%w: width %d, device %d", ErrGeometry, img.W, e.width)
	}
	if img.W*img.H == 0 || len(img.Pix)/(img.W*img.H) != frame.Channels || len(img.Pix)%(img.W*img.H) != 0 {
		return fmt.Errorf("%w: %d bytes is not %d channels", ErrGeometry, len(img.Pix), frame.Channels)
	}
	return nil
}

// Encode returns a new buffer holding img in the output format.
func (e *Encoder) Encode(img *frame.Image) ([]byte, error) {
	buf := make([]byte, e.SizeImage())
	if err := e.EncodeInto(buf, img); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto writes img into buf, which must be SizeImage bytes. Nothing is
// written when validation fails.
func (e *Encoder) EncodeInto(buf []byte, img *frame.Image) error {
	if err := e.Validate(img); err != nil {
		return err
	}
	if len(buf) != e.SizeImage() {
		return fmt.Errorf("v4l2: buffer is %d bytes, want %d", len(buf), e.SizeImage())
	}

	stride := e.BytesPerLine()
	for y := 0; y < e.height; y++ {
		row := img.Pix[y*e.width*frame.Channels : (y+1)*e.width*frame.Channels]
		out := buf[y*stride : (y+1)*stride]
		switch e.format {
		case FormatYUYV, FormatYVYU, FormatYYUV:
			packed422(out, row, e.width, e.format)
		case FormatYUV32:
			for x := 0; x < e.width; x++ {
				yy, u, v := yuv(row[x*3], row[x*3+1], row[x*3+2])
				out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = 0, studioLuma(yy), u, v
			}
		case FormatBGR24:
			copy(out, row)
		case FormatRGB24:
			for x := 0; x < e.width; x++ {
				out[x*3], out[x*3+1], out[x*3+2] = row[x*3+2], row[x*3+1], row[x*3]
			}
		case FormatRGB32:
			for x := 0; x < e.width; x++ {
				out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = 0, row[x*3+2], row[x*3+1], row[x*3]
			}
		}
	}
	return nil
}

// packed422 writes one row of 4:2:2 samples. Each pixel pair shares the
// chroma of its even pixel.
func packed422(out, row []byte, width int, f PixelFormat) {
	for x := 0; x < width; x += 2 {
		y0, u, v := yuv(row[x*3], row[x*3+1], row[x*3+2])
		y1 := y0
		if x+1 < width {
			y1, _, _ = yuv(row[x*3+3], row[x*3+4], row[x*3+5])
		}
		l0, l1 := studioLuma(y0), studioLuma(y1)

		o := out[x*2:]
		if x+1 >= width {
			// odd width: the trailing pair has room for one luma and one chroma
			switch f {
			case FormatYUYV, FormatYYUV:
				o[0], o[1] = l0, u
			case FormatYVYU:
				o[0], o[1] = l0, v
			}
			return
		}
		switch f {
		case FormatYUYV:
			o[0], o[1], o[2], o[3] = l0, u, l1, v
		case FormatYVYU:
			o[0], o[1], o[2], o[3] = l0, v, l1, u
		case FormatYYUV:
			o[0], o[1], o[2], o[3] = l0, l1, u, v
		}
	}
}

// yuv converts one BGR pixel with the BT.601 full-range weights. Chroma is
// derived from the rounded luma.
func yuv(b, g, r uint8) (y, u, v uint8) {
	fy := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	y = clamp8(fy)
	u = clamp8((float64(b)-float64(y))*0.492 + 128)
	v = clamp8((float64(r)-float64(y))*0.877 + 128)
	return y, u, v
}

// studioLuma maps full-range luma into 16..235.
func studioLuma(y uint8) uint8 {
	return uint8(int(y)*235/255 + 16)
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
