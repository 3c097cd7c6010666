// Package availability maps loosely structured medication stock signals onto three display levels.
package availability

// Level is the coarse medication stock indicator shown to patients
type Level string

const (
	LevelHigh   Level = "High"
	LevelMedium Level = "Medium"
	LevelLow    Level = "Low"
)

// Levels lists the canonical levels in display order
var Levels = []Level{LevelHigh, LevelMedium, LevelLow}

// Valid reports whether l is one of the canonical levels
func (l Level) Valid() bool {
	switch l {
	case LevelHigh, LevelMedium, LevelLow:
		return true
	}
	return false
}

// Color returns the display color for a level
func Color(l Level) string {
	switch l {
	case LevelHigh:
		return "green"
	case LevelMedium:
		return "amber"
	case LevelLow:
		return "red"
	default:
		return "gray"
	}
}
