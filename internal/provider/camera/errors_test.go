package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Could not open device '/dev/video9' for reading and writing.", "system error: No such file or directory", CategoryDevice},
		{"Internal data stream error.", "streaming stopped, reason not-negotiated (not negotiated)", CategoryFormat},
		{"Permission denied", "", CategoryPermission},
		{"something odd", "", CategoryUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.want.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, classifyError(tc.msg, tc.debug))
		})
	}
}

func TestBuildCaps(t *testing.T) {
	assert.Equal(t, "video/x-raw,format=BGR,width=640,height=480", buildCaps(640, 480, 0))
	assert.Equal(t, "video/x-raw,format=BGR,width=640,height=480,framerate=30/1", buildCaps(640, 480, 30))
	assert.Equal(t, "video/x-raw,format=BGR,width=640,height=480,framerate=1/2", buildCaps(640, 480, 0.5))
}
