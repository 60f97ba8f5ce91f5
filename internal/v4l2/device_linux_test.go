//go:build linux

package v4l2

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVidiocSFmt(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("layout checked on 64-bit only")
	}
	assert.Equal(t, uintptr(208), unsafe.Sizeof(format{}))
	assert.Equal(t, uintptr(0xC0D05605), vidiocSFmt)
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "video99"), 640, 480, FormatYUYV)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
