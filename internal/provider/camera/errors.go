package camera

import "strings"

// ErrorCategory classifies pipeline bus errors for logs.
type ErrorCategory int

const (
	CategoryDevice ErrorCategory = iota
	CategoryFormat
	CategoryPermission
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryDevice:
		return "device"
	case CategoryFormat:
		return "format"
	case CategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// classifyError matches keywords in the error and debug strings.
func classifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	has := func(keywords ...string) bool {
		for _, kw := range keywords {
			if strings.Contains(combined, kw) {
				return true
			}
		}
		return false
	}
	switch {
	case has("permission", "eacces", "not authorized"):
		return CategoryPermission
	case has("not negotiated", "caps", "format", "resolution"):
		return CategoryFormat
	case has("no such", "cannot open", "could not open", "busy", "device", "not found"):
		return CategoryDevice
	}
	return CategoryUnknown
}
