package availability

import (
	"bytes"
	"encoding/json"
)

// Kind identifies which shape a Raw value holds
type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindEntries
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindEntries:
		return "entries"
	default:
		return "unknown"
	}
}

// Entry is a single per-medication stock entry reported by a pharmacy
type Entry struct {
	Medication string `json:"medication,omitempty"`
	Status     string `json:"status"`
	Quantity   *int   `json:"quantity,omitempty"`
}

// Raw holds availability data exactly as received from the registry.
// The zero value is Unknown.
type Raw struct {
	kind    Kind
	text    string
	entries []Entry
}

// Unknown returns a Raw with no usable data
func Unknown() Raw { return Raw{} }

// FromString wraps a free-form availability string
func FromString(s string) Raw { return Raw{kind: KindString, text: s} }

// FromEntries wraps a list of availability entries
func FromEntries(entries ...Entry) Raw {
	return Raw{kind: KindEntries, entries: append([]Entry{}, entries...)}
}

// Kind returns the shape held by r
func (r Raw) Kind() Kind { return r.kind }

// Text returns the string payload for KindString values
func (r Raw) Text() string { return r.text }

// Entries returns a copy of the entries for KindEntries values
func (r Raw) Entries() []Entry { return append([]Entry(nil), r.entries...) }

// UnmarshalJSON accepts a string, an array of entry objects, or anything else as Unknown.
// It never fails: malformed availability degrades to Unknown.
func (r *Raw) UnmarshalJSON(data []byte) error {
	*r = Unknown()

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*r = FromString(s)
		}
	case '[':
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil
		}
		entries := make([]Entry, 0, len(items))
		for _, item := range items {
			entries = append(entries, entryFromObject(item))
		}
		*r = FromEntries(entries...)
	}
	return nil
}

// MarshalJSON writes the value back in its original shape
func (r Raw) MarshalJSON() ([]byte, error) {
	switch r.kind {
	case KindString:
		return json.Marshal(r.text)
	case KindEntries:
		return json.Marshal(r.entries)
	default:
		return []byte("null"), nil
	}
}

// entryFromObject reads the status from the first of the keys registries are known to use
func entryFromObject(obj map[string]json.RawMessage) Entry {
	var e Entry
	for _, key := range []string{"status", "level", "availability"} {
		if v, ok := obj[key]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil {
				e.Status = s
				break
			}
		}
	}
	for _, key := range []string{"medication", "name"} {
		if v, ok := obj[key]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil {
				e.Medication = s
				break
			}
		}
	}
	if v, ok := obj["quantity"]; ok {
		var q int
		if json.Unmarshal(v, &q) == nil {
			e.Quantity = &q
		}
	}
	return e
}
