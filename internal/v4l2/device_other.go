//go:build !linux

package v4l2

import (
	"errors"
	"fmt"
)

// Open is only available on Linux.
func Open(path string, width, height int, pf PixelFormat) (*Writer, error) {
	return nil, fmt.Errorf("v4l2: open %s: %w", path, errors.ErrUnsupported)
}
