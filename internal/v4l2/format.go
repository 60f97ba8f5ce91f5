// Package v4l2 encodes composited BGR frames into the byte layouts a V4L2
// loopback output device accepts, and writes them to the device.
package v4l2

import (
	"fmt"
	"strings"
)

// PixelFormat is a V4L2 fourcc.
type PixelFormat uint32

func fourcc(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Supported output encodings.
var (
	FormatYUYV  = fourcc('Y', 'U', 'Y', 'V')
	FormatYVYU  = fourcc('Y', 'V', 'Y', 'U')
	FormatYYUV  = fourcc('Y', 'Y', 'U', 'V')
	FormatYUV32 = fourcc('Y', 'U', 'V', '4')
	FormatBGR24 = fourcc('B', 'G', 'R', '3')
	FormatRGB24 = fourcc('R', 'G', 'B', '3')
	FormatRGB32 = fourcc('R', 'G', 'B', '4')
)

var formatNames = map[string]PixelFormat{
	"YUYV":  FormatYUYV,
	"YVYU":  FormatYVYU,
	"YYUV":  FormatYYUV,
	"YUV32": FormatYUV32,
	"BGR24": FormatBGR24,
	"RGB24": FormatRGB24,
	"RGB32": FormatRGB32,
}

// ParseFormat maps a configuration name such as "YUYV" to its fourcc.
func ParseFormat(name string) (PixelFormat, error) {
	f, ok := formatNames[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("v4l2: unsupported pixel format %q", name)
	}
	return f, nil
}

func (f PixelFormat) String() string {
	for name, v := range formatNames {
		if v == f {
			return name
		}
	}
	return fmt.Sprintf("fourcc(0x%08x)", uint32(f))
}

// bytesPerPixel is the packed size of one pixel; 4:2:2 formats average two.
func (f PixelFormat) bytesPerPixel() int {
	switch f {
	case FormatYUYV, FormatYVYU, FormatYYUV:
		return 2
	case FormatBGR24, FormatRGB24:
		return 3
	case FormatYUV32, FormatRGB32:
		return 4
	}
	return 0
}

// Supported reports whether the encoder handles f.
func (f PixelFormat) Supported() bool { return f.bytesPerPixel() > 0 }
