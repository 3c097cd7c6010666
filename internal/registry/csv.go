package registry

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
)

var csvColumns = []string{"id", "name", "address", "phone", "lat", "lon", "availability"}

// ReadCSV parses pharmacy records from comma- or tab-separated text with a header row.
// Only id and name are required; empty lat/lon leave the location unset.
func ReadCSV(r io.Reader) ([]locator.Record, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	reader := csv.NewReader(br)
	firstLine, _, _ := strings.Cut(string(head), "\n")
	if strings.Contains(firstLine, "\t") {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"id", "name"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q column (want %s)", required, strings.Join(csvColumns, ","))
		}
	}

	records := make([]locator.Record, 0)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		rec := locator.Record{
			ID:           field("id"),
			Name:         field("name"),
			Address:      field("address"),
			Phone:        field("phone"),
			Availability: parseAvailabilityField(field("availability")),
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("csv line %d: empty id", line)
		}

		loc, err := parseLocation(field("lat"), field("lon"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		rec.Location = loc
		records = append(records, rec)
	}
	return records, nil
}

func parseLocation(latStr, lonStr string) (*geo.Point, error) {
	if latStr == "" || lonStr == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", latStr, err)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", lonStr, err)
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// parseAvailabilityField accepts a JSON array of entries or free text
func parseAvailabilityField(s string) availability.Raw {
	if s == "" {
		return availability.Unknown()
	}
	if strings.HasPrefix(s, "[") {
		var raw availability.Raw
		if json.Unmarshal([]byte(s), &raw) == nil {
			return raw
		}
	}
	return availability.FromString(s)
}
