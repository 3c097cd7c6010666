package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
)

const schema = `
	CREATE TABLE IF NOT EXISTS pharmacies (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		address      TEXT NOT NULL DEFAULT '',
		phone        TEXT NOT NULL DEFAULT '',
		latitude     DOUBLE PRECISION,
		longitude    DOUBLE PRECISION,
		availability JSONB,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// PostgresStore is the system-of-record registry backend
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a store over pool
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the pharmacies table if needed
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate pharmacies: %w", err)
	}
	return nil
}

// List returns every pharmacy ordered by id
func (s *PostgresStore) List(ctx context.Context) ([]locator.Record, error) {
	query := `
		SELECT id, name, address, phone, latitude, longitude, availability
		FROM pharmacies
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pharmacies: %w", err)
	}
	defer rows.Close()

	records := make([]locator.Record, 0)
	for rows.Next() {
		var (
			rec      locator.Record
			lat, lon *float64
			avail    []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.Phone, &lat, &lon, &avail); err != nil {
			return nil, fmt.Errorf("scan pharmacy: %w", err)
		}
		if lat != nil && lon != nil {
			rec.Location = &geo.Point{Lat: *lat, Lon: *lon}
		}
		rec.Availability = decodeAvailability(avail)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Upsert inserts or replaces a pharmacy
func (s *PostgresStore) Upsert(ctx context.Context, rec locator.Record) error {
	query := `
		INSERT INTO pharmacies (id, name, address, phone, latitude, longitude, availability, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    address = EXCLUDED.address,
		    phone = EXCLUDED.phone,
		    latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    availability = EXCLUDED.availability,
		    updated_at = NOW()
	`

	var lat, lon *float64
	if rec.Location != nil {
		lat, lon = &rec.Location.Lat, &rec.Location.Lon
	}
	avail, err := encodeAvailability(rec.Availability)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.Name, rec.Address, rec.Phone, lat, lon, avail); err != nil {
		return fmt.Errorf("upsert pharmacy %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a pharmacy
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pharmacies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pharmacy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Ping verifies database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func decodeAvailability(data []byte) availability.Raw {
	var raw availability.Raw
	if len(data) == 0 {
		return raw
	}
	// Raw never rejects input, malformed JSON leaves it Unknown
	_ = json.Unmarshal(data, &raw)
	return raw
}

// encodeAvailability returns nil for Unknown so the column stays NULL
func encodeAvailability(raw availability.Raw) ([]byte, error) {
	if raw.Kind() == availability.KindUnknown {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode availability: %w", err)
	}
	return data, nil
}
