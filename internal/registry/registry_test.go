package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
	"github.com/medilink/pharmacy-locator/pkg/circuitbreaker"
)

func TestReadCSV(t *testing.T) {
	input := `id,name,address,phone,lat,lon,availability
p1,Mission Pharmacy,100 Valencia St,415-555-0100,37.7690,-122.4220,High
p2,Sunset Drugs,,,,,
p3,Bay Rx,1 Market St,,37.7940,-122.3950,"[{""medication"":""amoxicillin"",""status"":""low stock""}]"
`
	records, err := ReadCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	p1 := records[0]
	if p1.ID != "p1" || p1.Name != "Mission Pharmacy" || p1.Phone != "415-555-0100" {
		t.Errorf("p1 = %+v", p1)
	}
	if p1.Location == nil || *p1.Location != (geo.Point{Lat: 37.769, Lon: -122.422}) {
		t.Errorf("p1 location = %v", p1.Location)
	}
	if p1.Availability.Kind() != availability.KindString || p1.Availability.Text() != "High" {
		t.Errorf("p1 availability = %v %q", p1.Availability.Kind(), p1.Availability.Text())
	}

	if records[1].Location != nil {
		t.Errorf("p2 location = %v, want nil", records[1].Location)
	}
	if records[1].Availability.Kind() != availability.KindUnknown {
		t.Errorf("p2 availability kind = %v, want unknown", records[1].Availability.Kind())
	}

	entries := records[2].Availability.Entries()
	if len(entries) != 1 || entries[0].Medication != "amoxicillin" || entries[0].Status != "low stock" {
		t.Errorf("p3 entries = %+v", entries)
	}
}

func TestReadCSVTabSeparated(t *testing.T) {
	input := "id\tname\tlat\tlon\np1\tMission Pharmacy\t37.769\t-122.422\n"
	records, err := ReadCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(records) != 1 || records[0].Location == nil || records[0].Location.Lat != 37.769 {
		t.Fatalf("records = %+v", records)
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing id column", "name,lat\nA,1\n"},
		{"empty id", "id,name\n,A\n"},
		{"bad latitude", "id,name,lat,lon\np1,A,north,1\n"},
		{"latitude out of range", "id,name,lat,lon\np1,A,91,1\n"},
		{"empty input", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUpdateEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      UpdateEvent
		wantErr bool
	}{
		{"upsert", UpdateEvent{Op: OpUpsert, Pharmacy: &locator.Record{ID: "p1"}}, false},
		{"upsert without record", UpdateEvent{Op: OpUpsert}, true},
		{"upsert without id", UpdateEvent{Op: OpUpsert, Pharmacy: &locator.Record{}}, true},
		{"delete", UpdateEvent{Op: OpDelete, PharmacyID: "p1"}, false},
		{"delete without id", UpdateEvent{Op: OpDelete}, true},
		{"unknown op", UpdateEvent{Op: "merge", PharmacyID: "p1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("error %v does not wrap ErrInvalidEvent", err)
			}
		})
	}

	ev := UpdateEvent{Op: OpUpsert, Pharmacy: &locator.Record{ID: "p9"}}
	if ev.ID() != "p9" {
		t.Fatalf("ID() = %q, want p9", ev.ID())
	}
}

func TestUpdateEventDedupKey(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	a := UpdateEvent{EventID: "evt-1", Op: OpDelete, PharmacyID: "p1", OccurredAt: at}
	b := UpdateEvent{EventID: "evt-1", Op: OpUpsert, Pharmacy: &locator.Record{ID: "p2"}}
	if a.DedupKey() != b.DedupKey() {
		t.Fatal("events sharing an EventID must share a key")
	}

	anon := UpdateEvent{Op: OpDelete, PharmacyID: "p1", OccurredAt: at}
	replay := UpdateEvent{Op: OpDelete, PharmacyID: "p1", OccurredAt: at.In(time.FixedZone("PST", -8*3600))}
	if anon.DedupKey() != replay.DedupKey() {
		t.Fatal("the same instant in another zone must produce the same key")
	}
	later := UpdateEvent{Op: OpDelete, PharmacyID: "p1", OccurredAt: at.Add(time.Second)}
	if anon.DedupKey() == later.DedupKey() {
		t.Fatal("a later event for the same pharmacy must not be deduplicated")
	}
}

func TestAvailabilityEncoding(t *testing.T) {
	data, err := encodeAvailability(availability.Unknown())
	if err != nil || data != nil {
		t.Fatalf("unknown encoded to %q, %v; want NULL", data, err)
	}

	data, err = encodeAvailability(availability.FromString("Medium"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := decodeAvailability(data)
	if raw.Kind() != availability.KindString || raw.Text() != "Medium" {
		t.Fatalf("decoded %v %q", raw.Kind(), raw.Text())
	}

	if decodeAvailability([]byte(`{not json`)).Kind() != availability.KindUnknown {
		t.Fatal("malformed JSON should decode to unknown")
	}
}

func TestElasticDocConversion(t *testing.T) {
	rec := locator.Record{
		ID:           "p1",
		Name:         "Mission Pharmacy",
		Location:     &geo.Point{Lat: 37.769, Lon: -122.422},
		Availability: availability.FromEntries(availability.Entry{Medication: "insulin", Status: "High"}),
	}
	doc, err := toElasticDoc(rec)
	if err != nil {
		t.Fatalf("toElasticDoc: %v", err)
	}
	if doc.Location == nil || doc.Location.Lat != 37.769 || doc.Location.Lon != -122.422 {
		t.Fatalf("doc location = %+v", doc.Location)
	}

	back := fromElasticDoc(doc)
	if back.ID != rec.ID || back.Location == nil || *back.Location != *rec.Location {
		t.Fatalf("round trip = %+v", back)
	}
	if entries := back.Availability.Entries(); len(entries) != 1 || entries[0].Status != "High" {
		t.Fatalf("round trip entries = %+v", entries)
	}

	noLoc, _ := toElasticDoc(locator.Record{ID: "p2"})
	if noLoc.Location != nil || noLoc.Availability != nil {
		t.Fatalf("empty record doc = %+v", noLoc)
	}
}

// indexPages serves sorted ids the way a search_after query would
func indexPages(ids []string, size int, calls *[][]interface{}) pageFunc {
	return func(ctx context.Context, after []interface{}) ([]*elastic.SearchHit, error) {
		*calls = append(*calls, after)
		start := 0
		if after != nil {
			last := after[0].(string)
			for start < len(ids) && ids[start] <= last {
				start++
			}
		}
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		hits := make([]*elastic.SearchHit, 0, end-start)
		for _, id := range ids[start:end] {
			source := fmt.Sprintf(`{"id":%q,"name":"Pharmacy %s"}`, id, id)
			if id == "p4" {
				source = `{"id":`
			}
			hits = append(hits, &elastic.SearchHit{Id: id, Source: []byte(source), Sort: []interface{}{id}})
		}
		return hits, nil
	}
}

func TestElasticCollectPagesThroughIndex(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := &ElasticStore{config: ElasticConfig{PageSize: 2}, metrics: m, logger: zap.NewNop()}
	ids := []string{"p1", "p2", "p3", "p4", "p5"}

	var calls [][]interface{}
	records, err := s.collect(context.Background(), indexPages(ids, 2, &calls))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	var got []string
	for _, r := range records {
		got = append(got, r.ID)
	}
	if want := []string{"p1", "p2", "p3", "p5"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	wantAfter := [][]interface{}{nil, {"p2"}, {"p4"}}
	if !reflect.DeepEqual(calls, wantAfter) {
		t.Fatalf("search_after values = %v, want %v", calls, wantAfter)
	}
	if got := testutil.ToFloat64(m.SkippedDocuments.WithLabelValues("elastic")); got != 1 {
		t.Fatalf("skipped documents = %v, want 1", got)
	}
}

func TestElasticCollectExactMultipleOfPageSize(t *testing.T) {
	s := &ElasticStore{config: ElasticConfig{PageSize: 2}, logger: zap.NewNop()}

	var calls [][]interface{}
	records, err := s.collect(context.Background(), indexPages([]string{"a", "b", "c", "d"}, 2, &calls))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(records) != 4 || len(calls) != 3 {
		t.Fatalf("records = %d, requests = %d, want 4 and 3", len(records), len(calls))
	}
}

func TestElasticCollectPageError(t *testing.T) {
	s := &ElasticStore{config: ElasticConfig{PageSize: 1}, logger: zap.NewNop()}
	errDown := errors.New("cluster unavailable")

	_, err := s.collect(context.Background(), func(ctx context.Context, after []interface{}) ([]*elastic.SearchHit, error) {
		if after != nil {
			return nil, errDown
		}
		return []*elastic.SearchHit{{Id: "a", Source: []byte(`{"id":"a"}`), Sort: []interface{}{"a"}}}, nil
	})
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want %v", err, errDown)
	}
}

type flakyLister struct {
	mu      sync.Mutex
	records []locator.Record
	err     error
	calls   int
}

func (l *flakyLister) List(ctx context.Context) ([]locator.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.records, nil
}

func (l *flakyLister) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func testBreaker(t *testing.T, name string) *circuitbreaker.CircuitBreaker {
	t.Helper()
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	return cb
}

func TestGuardedServesLastGoodWhenOpen(t *testing.T) {
	lister := &flakyLister{records: []locator.Record{{ID: "p1"}, {ID: "p2"}}}
	g := NewGuarded(lister, testBreaker(t, "postgres"), nil)

	if got, err := g.List(context.Background()); err != nil || len(got) != 2 {
		t.Fatalf("first List = %v, %v", got, err)
	}

	errDown := errors.New("connection refused")
	lister.fail(errDown)
	if _, err := g.List(context.Background()); !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want backend error while breaker trips", err)
	}

	got, err := g.List(context.Background())
	if err != nil {
		t.Fatalf("List with open breaker: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want last good list of 2", len(got))
	}
	if lister.calls != 2 {
		t.Fatalf("lister called %d times, want 2", lister.calls)
	}
}

func TestGuardedOpenWithoutSnapshot(t *testing.T) {
	lister := &flakyLister{err: errors.New("down")}
	g := NewGuarded(lister, testBreaker(t, "postgres"), nil)

	g.List(context.Background())
	if _, err := g.List(context.Background()); !circuitbreaker.IsOpenError(err) {
		t.Fatalf("err = %v, want open-state error", err)
	}
}

type memWriter struct {
	mu      sync.Mutex
	records map[string]locator.Record
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{records: make(map[string]locator.Record)}
}

func (w *memWriter) Upsert(ctx context.Context, rec locator.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.records[rec.ID] = rec
	return nil
}

func (w *memWriter) Delete(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if _, ok := w.records[id]; !ok {
		return ErrNotFound
	}
	delete(w.records, id)
	return nil
}

func TestSyncerApply(t *testing.T) {
	var reasons []string
	invalidate := func(ctx context.Context, reason string) error {
		reasons = append(reasons, reason)
		return nil
	}

	pg, es := newMemWriter(), newMemWriter()
	s := NewSyncer(nil, invalidate, nil, nil)
	if err := s.AddTarget("postgres", pg); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := s.AddTarget("elastic", es); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	upsert := UpdateEvent{EventID: "e1", Op: OpUpsert, Pharmacy: &locator.Record{ID: "p1", Name: "Mission Pharmacy"}}
	if err := s.Apply(context.Background(), upsert); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := pg.records["p1"]; !ok {
		t.Fatal("postgres missing p1")
	}
	if _, ok := es.records["p1"]; !ok {
		t.Fatal("elastic missing p1")
	}

	del := UpdateEvent{EventID: "e2", Op: OpDelete, PharmacyID: "p1"}
	if err := s.Apply(context.Background(), del); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Replayed delete is a no-op, not an error.
	if err := s.Apply(context.Background(), del); err != nil {
		t.Fatalf("replayed delete: %v", err)
	}

	want := []string{"upsert p1", "delete p1", "delete p1"}
	if strings.Join(reasons, "|") != strings.Join(want, "|") {
		t.Fatalf("invalidations = %v, want %v", reasons, want)
	}
}

func TestSyncerPartialFailure(t *testing.T) {
	invalidated := 0
	pg, es := newMemWriter(), newMemWriter()
	es.err = errors.New("cluster red")

	s := NewSyncer(nil, func(context.Context, string) error { invalidated++; return nil }, nil, nil)
	s.AddTarget("postgres", pg)
	s.AddTarget("elastic", es)

	err := s.Apply(context.Background(), UpdateEvent{Op: OpUpsert, Pharmacy: &locator.Record{ID: "p1"}})
	if err == nil || !strings.Contains(err.Error(), "elastic") {
		t.Fatalf("err = %v, want elastic failure", err)
	}
	if _, ok := pg.records["p1"]; !ok {
		t.Fatal("postgres write should still succeed")
	}
	if invalidated != 1 {
		t.Fatalf("invalidated %d times, want 1", invalidated)
	}
}

func TestSyncerRejectsInvalidEvent(t *testing.T) {
	called := false
	s := NewSyncer(nil, func(context.Context, string) error { called = true; return nil }, nil, nil)
	s.AddTarget("postgres", newMemWriter())

	err := s.Apply(context.Background(), UpdateEvent{Op: OpUpsert})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	if called {
		t.Fatal("invalid event triggered invalidation")
	}
}
