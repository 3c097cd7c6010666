package availability

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
)

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

// fixedSource always returns the same index
type fixedSource int

func (f fixedSource) IntN(n int) int { return int(f) % n }

func TestNormalizeCanonical(t *testing.T) {
	for _, l := range Levels {
		if got := Normalize(FromString(string(l)), seeded()); got != l {
			t.Errorf("Normalize(%q) = %q", l, got)
		}
	}
}

func TestNormalizeSubstring(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"availability: HIGH stock", LevelHigh},
		{"medium", LevelMedium},
		{"Stock is LOW", LevelLow},
		{"highly available", LevelHigh},
		{"below par", LevelLow},
		{"high to medium", LevelHigh},
	}
	for _, tt := range tests {
		res := Resolve(FromString(tt.in), seeded())
		if res.Level != tt.want || res.Synthesized {
			t.Errorf("Resolve(%q) = %+v, want %q", tt.in, res, tt.want)
		}
	}
}

func TestNormalizeEntries(t *testing.T) {
	raw := FromEntries(
		Entry{Medication: "amoxicillin", Status: "Medium"},
		Entry{Medication: "ibuprofen", Status: "High"},
	)
	if got := Normalize(raw, seeded()); got != LevelMedium {
		t.Errorf("got %q, want Medium", got)
	}

	raw = FromEntries(Entry{Status: "running low"})
	if got := Normalize(raw, seeded()); got != LevelLow {
		t.Errorf("got %q, want Low", got)
	}
}

func TestNormalizeFallsBackToSource(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
	}{
		{"unknown", Unknown()},
		{"unrecognized string", FromString("in stock")},
		{"empty string", FromString("")},
		{"empty entries", FromEntries()},
		{"entry without status", FromEntries(Entry{Medication: "x"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range Levels {
				res := Resolve(tt.raw, fixedSource(i))
				if res.Level != want || !res.Synthesized {
					t.Errorf("Resolve with source %d = %+v, want synthesized %q", i, res, want)
				}
			}
		})
	}
}

func TestNormalizeAlwaysCanonical(t *testing.T) {
	rnd := seeded()
	seen := map[Level]int{}
	for i := 0; i < 300; i++ {
		l := Normalize(Unknown(), rnd)
		if !l.Valid() {
			t.Fatalf("got non-canonical level %q", l)
		}
		seen[l]++
	}
	if len(seen) != 3 {
		t.Errorf("expected all three levels over 300 draws, got %v", seen)
	}
}

func TestNormalizeSeededIsDeterministic(t *testing.T) {
	a, b := seeded(), seeded()
	for i := 0; i < 20; i++ {
		if Normalize(Unknown(), a) != Normalize(Unknown(), b) {
			t.Fatal("same seed produced different levels")
		}
	}
}

func TestRawUnmarshal(t *testing.T) {
	tests := []struct {
		name   string
		json   string
		kind   Kind
		status string
	}{
		{"string", `"High"`, KindString, ""},
		{"entries", `[{"medication":"a","status":"Low","quantity":3},{"status":"High"}]`, KindEntries, "Low"},
		{"level key", `[{"name":"a","level":"medium"}]`, KindEntries, "medium"},
		{"null", `null`, KindUnknown, ""},
		{"number", `42`, KindUnknown, ""},
		{"object", `{"status":"High"}`, KindUnknown, ""},
		{"array of strings", `["High"]`, KindUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw Raw
			if err := json.Unmarshal([]byte(tt.json), &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if raw.Kind() != tt.kind {
				t.Fatalf("kind = %v, want %v", raw.Kind(), tt.kind)
			}
			if tt.kind == KindEntries && raw.Entries()[0].Status != tt.status {
				t.Errorf("status = %q, want %q", raw.Entries()[0].Status, tt.status)
			}
		})
	}
}

func TestRawInStruct(t *testing.T) {
	var rec struct {
		Availability Raw `json:"availability"`
	}
	if err := json.Unmarshal([]byte(`{}`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Availability.Kind() != KindUnknown {
		t.Errorf("absent field kind = %v", rec.Availability.Kind())
	}
	if err := json.Unmarshal([]byte(`{"availability":[{"status":"High","quantity":12}]}`), &rec); err != nil {
		t.Fatal(err)
	}
	entries := rec.Availability.Entries()
	if len(entries) != 1 || entries[0].Quantity == nil || *entries[0].Quantity != 12 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestColor(t *testing.T) {
	tests := map[Level]string{
		LevelHigh:   "green",
		LevelMedium: "amber",
		LevelLow:    "red",
		Level("?"):  "gray",
		Level(""):   "gray",
	}
	for l, want := range tests {
		if got := Color(l); got != want {
			t.Errorf("Color(%q) = %q, want %q", l, got, want)
		}
	}
}
