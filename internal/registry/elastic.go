package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
)

const indexMapping = `{
	"settings": {
		"number_of_shards": 1
	},
	"mappings": {
		"properties": {
			"id":           {"type": "keyword"},
			"name":         {"type": "text", "fields": {"raw": {"type": "keyword"}}},
			"address":      {"type": "text"},
			"phone":        {"type": "keyword"},
			"location":     {"type": "geo_point"},
			"availability": {"type": "object", "enabled": false}
		}
	}
}`

// ElasticConfig holds Elasticsearch settings
type ElasticConfig struct {
	URL   string
	Index string
	// PageSize is how many documents List fetches per request
	PageSize int
}

// DefaultElasticConfig returns defaults for local development
func DefaultElasticConfig() ElasticConfig {
	return ElasticConfig{
		URL:        "http://localhost:9200",
		Index:      "pharmacies",
		PageSize:   1000,
	}
}

// elasticDoc is the indexed form of a pharmacy
type elasticDoc struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Address      string            `json:"address,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Location     *elastic.GeoPoint `json:"location,omitempty"`
	Availability json.RawMessage   `json:"availability,omitempty"`
}

// ElasticStore is a search-index registry backend
type ElasticStore struct {
	client  *elastic.Client
	config  ElasticConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewElasticStore connects to Elasticsearch. m may be nil.
func NewElasticStore(cfg ElasticConfig, m *metrics.Metrics, logger *zap.Logger) (*ElasticStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultElasticConfig().PageSize
	}
	client, err := elastic.NewClient(
		elastic.SetURL(cfg.URL),
		elastic.SetSniff(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create elastic client: %w", err)
	}
	return &ElasticStore{client: client, config: cfg, metrics: m, logger: logger}, nil
}

// EnsureIndex creates the index with its geo_point mapping if it does not exist
func (s *ElasticStore) EnsureIndex(ctx context.Context) error {
	exists, err := s.client.IndexExists(s.config.Index).Do(ctx)
	if err != nil {
		return fmt.Errorf("check index %s: %w", s.config.Index, err)
	}
	if exists {
		s.logger.Info("index already exists", zap.String("index", s.config.Index))
		return nil
	}

	resp, err := s.client.CreateIndex(s.config.Index).BodyString(indexMapping).Do(ctx)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.config.Index, err)
	}
	if !resp.Acknowledged {
		s.logger.Warn("create index not acknowledged", zap.String("index", s.config.Index))
	}
	s.logger.Info("index created", zap.String("index", s.config.Index))
	return nil
}

// List returns every pharmacy ordered by id, paging with search_after
func (s *ElasticStore) List(ctx context.Context) ([]locator.Record, error) {
	return s.collect(ctx, func(ctx context.Context, after []interface{}) ([]*elastic.SearchHit, error) {
		search := s.client.Search().
			Index(s.config.Index).
			Query(elastic.NewMatchAllQuery()).
			Sort("id", true).
			Size(s.config.PageSize)
		if after != nil {
			search = search.SearchAfter(after...)
		}
		result, err := search.Do(ctx)
		if err != nil {
			return nil, err
		}
		if result.Hits == nil {
			return nil, nil
		}
		return result.Hits.Hits, nil
	})
}

// pageFunc fetches the page of hits sorted after the given sort values.
// A nil after asks for the first page.
type pageFunc func(ctx context.Context, after []interface{}) ([]*elastic.SearchHit, error)

// collect drains fetch until a short page and decodes every hit
func (s *ElasticStore) collect(ctx context.Context, fetch pageFunc) ([]locator.Record, error) {
	records := make([]locator.Record, 0, s.config.PageSize)
	var after []interface{}
	for page := 0; ; page++ {
		hits, err := fetch(ctx, after)
		if err != nil {
			return nil, fmt.Errorf("search pharmacies page %d: %w", page, err)
		}
		for _, hit := range hits {
			var doc elasticDoc
			if err := json.Unmarshal(hit.Source, &doc); err != nil {
				s.logger.Warn("skipping undecodable document", zap.String("id", hit.Id), zap.Error(err))
				s.metrics.ObserveSkippedDocument("elastic")
				continue
			}
			records = append(records, fromElasticDoc(doc))
		}
		if len(hits) < s.config.PageSize {
			return records, nil
		}
		after = hits[len(hits)-1].Sort
		if len(after) == 0 {
			return nil, fmt.Errorf("search pharmacies page %d: hit %s has no sort values", page, hits[len(hits)-1].Id)
		}
	}
}

// Upsert indexes a pharmacy under its id
func (s *ElasticStore) Upsert(ctx context.Context, rec locator.Record) error {
	doc, err := toElasticDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.client.Index().
		Index(s.config.Index).
		Id(rec.ID).
		BodyJson(doc).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("index pharmacy %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a pharmacy from the index
func (s *ElasticStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete().Index(s.config.Index).Id(id).Do(ctx)
	if elastic.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete pharmacy %s: %w", id, err)
	}
	return nil
}

// Close stops the client's background goroutines
func (s *ElasticStore) Close() {
	s.client.Stop()
}

func toElasticDoc(rec locator.Record) (elasticDoc, error) {
	doc := elasticDoc{
		ID:      rec.ID,
		Name:    rec.Name,
		Address: rec.Address,
		Phone:   rec.Phone,
	}
	if rec.Location != nil {
		doc.Location = &elastic.GeoPoint{Lat: rec.Location.Lat, Lon: rec.Location.Lon}
	}
	data, err := encodeAvailability(rec.Availability)
	if err != nil {
		return doc, err
	}
	doc.Availability = data
	return doc, nil
}

func fromElasticDoc(doc elasticDoc) locator.Record {
	rec := locator.Record{
		ID:           doc.ID,
		Name:         doc.Name,
		Address:      doc.Address,
		Phone:        doc.Phone,
		Availability: decodeAvailability(doc.Availability),
	}
	if doc.Location != nil {
		rec.Location = &geo.Point{Lat: doc.Location.Lat, Lon: doc.Location.Lon}
	}
	return rec
}
