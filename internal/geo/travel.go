package geo

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// WalkingSpeedKmh is the assumed walking speed
	WalkingSpeedKmh = 5.0
	// DrivingSpeedKmh is the assumed average urban driving speed
	DrivingSpeedKmh = 30.0

	walkOnlyBelowKm  = 1.0
	driveOnlyAboveKm = 3.0
)

// Travel is a rough travel-time estimate for display
type Travel struct {
	Walking     time.Duration `json:"walking"`
	Driving     time.Duration `json:"driving"`
	ShowWalking bool          `json:"show_walking"`
	ShowDriving bool          `json:"show_driving"`
}

// EstimateTravel derives walking and driving times and picks which to show.
// Walking only under 1 km, both between 1 and 3 km, driving only beyond 3 km.
func EstimateTravel(km float64) Travel {
	if km < 0 {
		km = 0
	}
	t := Travel{
		Walking: hoursToDuration(km / WalkingSpeedKmh),
		Driving: hoursToDuration(km / DrivingSpeedKmh),
	}
	switch {
	case km < walkOnlyBelowKm:
		t.ShowWalking = true
	case km <= driveOnlyAboveKm:
		t.ShowWalking = true
		t.ShowDriving = true
	default:
		t.ShowDriving = true
	}
	return t
}

// String renders the shown modes, e.g. "18 min walk, 3 min drive"
func (t Travel) String() string {
	var parts []string
	if t.ShowWalking {
		parts = append(parts, formatMinutes(t.Walking)+" walk")
	}
	if t.ShowDriving {
		parts = append(parts, formatMinutes(t.Driving)+" drive")
	}
	return strings.Join(parts, ", ")
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(math.Round(h * float64(time.Hour)))
}

func formatMinutes(d time.Duration) string {
	mins := int(d.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	if mins < 60 {
		return fmt.Sprintf("%d min", mins)
	}
	if mins%60 == 0 {
		return fmt.Sprintf("%d h", mins/60)
	}
	return fmt.Sprintf("%d h %d min", mins/60, mins%60)
}
