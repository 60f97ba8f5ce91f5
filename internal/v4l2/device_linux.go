//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	bufTypeVideoOutput = 2
	fieldNone          = 1
	colorspaceJPEG     = 7
)

// pixFormat mirrors struct v4l2_pix_format.
type pixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// format mirrors struct v4l2_format. The 200-byte union is pointer aligned.
type format struct {
	Type uint32
	Fmt  struct {
		Pix pixFormat
		_   [200 - unsafe.Sizeof(pixFormat{})]byte
		_   [0]uintptr
	}
}

// _IOWR('V', 5, struct v4l2_format)
var vidiocSFmt = ioc(3, 'V', 5, unsafe.Sizeof(format{}))

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

// Open opens a loopback output node for synchronous writes and negotiates
// the geometry and pixel format once.
func Open(path string, width, height int, pf PixelFormat) (*Writer, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("v4l2: device does not exist: %s (is v4l2loopback loaded?): %w", path, err)
		}
		return nil, fmt.Errorf("v4l2: stat %s: %w", path, err)
	}

	w, err := NewWriter(nil, width, height, pf)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}

	var req format
	req.Type = bufTypeVideoOutput
	req.Fmt.Pix = pixFormat{
		Width:        uint32(width),
		Height:       uint32(height),
		PixelFormat:  uint32(pf),
		Field:        fieldNone,
		BytesPerLine: uint32(w.enc.BytesPerLine()),
		SizeImage:    uint32(w.enc.SizeImage()),
		Colorspace:   colorspaceJPEG,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), vidiocSFmt, uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("v4l2: VIDIOC_S_FMT on %s: %w", path, errno)
	}

	w.dst = f
	slog.Info("v4l2: device opened",
		"path", path,
		"width", width,
		"height", height,
		"format", pf.String(),
		"size_image", w.enc.SizeImage(),
	)
	return w, nil
}
