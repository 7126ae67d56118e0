package capture

import (
	"errors"
	"strings"
)

// ErrAlreadyStarted is returned by Start on a running source
var ErrAlreadyStarted = errors.New("capture: source already started")

// ErrorCategory represents the classification of GStreamer errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the capture device is missing, busy or gone
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation indicates caps/format negotiation failures
	ErrCategoryNegotiation
	// ErrCategoryPermission indicates the process may not open the device
	ErrCategoryPermission
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"eacces",
		"access denied",
	}
	negotiationKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"no supported",
		"missing plugin",
	}
	deviceKeywords = []string{
		"no such file",
		"no such device",
		"cannot identify device",
		"could not open",
		"busy",
		"device",
		"v4l2",
		"disconnected",
	}
)

// ClassifyError categorizes a GStreamer error message and debug string.
//
// Most specific first: permission, then negotiation, then device.
// Classification is string-based; go-gst's GError does not expose the domain.
func ClassifyError(errMsg, debug string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
