package capture

import "testing"

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		errMsg string
		debug  string
		want   ErrorCategory
	}{
		{
			name:   "missing device",
			errMsg: "Cannot identify device '/dev/video9'.",
			debug:  "../sys/v4l2/v4l2_calls.c(609): gst_v4l2_open (): system error: No such file or directory",
			want:   ErrCategoryDevice,
		},
		{
			name:   "device busy",
			errMsg: "Device '/dev/video0' is busy",
			want:   ErrCategoryDevice,
		},
		{
			name:   "permission",
			errMsg: "Could not open device '/dev/video0' for reading and writing.",
			debug:  "system error: Permission denied",
			want:   ErrCategoryPermission,
		},
		{
			name:   "not negotiated",
			errMsg: "Internal data stream error.",
			debug:  "streaming stopped, reason not-negotiated (-4): not negotiated",
			want:   ErrCategoryNegotiation,
		},
		{
			name:   "unknown",
			errMsg: "Something odd happened",
			want:   ErrCategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.errMsg, tt.debug)
			if got != tt.want {
				t.Errorf("ClassifyError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBuildCaps(t *testing.T) {
	if got := buildCaps(640, 480, 15); got != "video/x-raw,format=RGB,width=640,height=480,framerate=15/1" {
		t.Errorf("unexpected caps: %s", got)
	}
	if got := buildCaps(320, 240, 0); got != "video/x-raw,format=RGB,width=320,height=240" {
		t.Errorf("unexpected caps without framerate: %s", got)
	}
}
