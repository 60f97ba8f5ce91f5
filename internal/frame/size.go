package frame

import "fmt"

// Auto is the sentinel for a dimension derived from the produced frame.
const Auto = -1

// Size is a width/height pair. Non-positive dimensions are unresolved.
type Size struct {
	W, H int
}

// AutoSize leaves both dimensions to the native frame size.
var AutoSize = Size{W: Auto, H: Auto}

// Resolved reports whether both dimensions are positive.
func (s Size) Resolved() bool { return s.W > 0 && s.H > 0 }

// IsAuto reports whether both dimensions are unresolved.
func (s Size) IsAuto() bool { return s.W <= 0 && s.H <= 0 }

// Resolve fills unresolved dimensions from a native frame size: a single
// explicit dimension keeps the native aspect ratio, none means native size.
func (s Size) Resolve(native Size) Size {
	switch {
	case s.W > 0 && s.H > 0:
		return s
	case s.W > 0 && native.W > 0:
		return Size{W: s.W, H: s.W * native.H / native.W}
	case s.H > 0 && native.H > 0:
		return Size{W: s.H * native.W / native.H, H: s.H}
	case s.W <= 0 && s.H <= 0:
		return native
	}
	return s
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.W, s.H) }

// Degenerate reports whether a dimension is neither positive nor Auto.
func (s Size) Degenerate() bool { return !validDim(s.W) || !validDim(s.H) }

func validDim(v int) bool { return v > 0 || v == Auto }
