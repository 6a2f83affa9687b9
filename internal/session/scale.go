package session

import "math"

// Scale is the uniform factor that fits a native display into the available
// area without ever enlarging it past native resolution. Unknown sizes leave
// the display at native scale.
func Scale(available, native Size) float64 {
	if !native.Valid() || !available.Valid() {
		return 1
	}
	sx := float64(available.Width) / float64(native.Width)
	sy := float64(available.Height) / float64(native.Height)
	return math.Min(math.Min(sx, sy), 1)
}
