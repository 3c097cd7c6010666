package availability

import "strings"

// Source is the random source consulted when no level can be derived.
// geo.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

// Resolution is the outcome of normalizing a Raw value
type Resolution struct {
	Level Level
	// Synthesized is true when the level was picked at random for lack of data
	Synthesized bool
}

// Normalize returns the display level for raw
func Normalize(raw Raw, rnd Source) Level {
	return Resolve(raw, rnd).Level
}

// Resolve maps raw onto a Level. First match wins:
// an exact canonical string, a case-insensitive "high"/"medium"/"low" substring,
// the first entry's status resolved the same way, and finally a uniformly random level.
func Resolve(raw Raw, rnd Source) Resolution {
	var candidate string
	switch raw.Kind() {
	case KindString:
		candidate = raw.text
	case KindEntries:
		if len(raw.entries) > 0 {
			candidate = raw.entries[0].Status
		}
	}

	if raw.Kind() != KindUnknown {
		if l, ok := matchString(candidate); ok {
			return Resolution{Level: l}
		}
	}

	// TODO: replace with a stock lookup once pharmacies report inventory levels
	return Resolution{Level: Levels[rnd.IntN(len(Levels))], Synthesized: true}
}

func matchString(s string) (Level, bool) {
	if l := Level(s); l.Valid() {
		return l, true
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "high"):
		return LevelHigh, true
	case strings.Contains(lower, "medium"):
		return LevelMedium, true
	case strings.Contains(lower, "low"):
		return LevelLow, true
	}
	return "", false
}
