package geo

import (
	"fmt"
	"math"
)

// FormatDistance renders a distance for display.
// Under 1 km it is shown in meters, up to 10 km with one decimal, beyond that rounded to whole km.
// Distances that round to 1000 m are shown as 1.0 km.
func FormatDistance(km float64) string {
	meters := int(math.Round(km * 1000))
	switch {
	case km < 1 && meters < 1000:
		return fmt.Sprintf("%d m", meters)
	case km <= 10:
		return fmt.Sprintf("%.1f km", km)
	default:
		return fmt.Sprintf("%d km", int(math.Round(km)))
	}
}
