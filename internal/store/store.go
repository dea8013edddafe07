// Package store persists adapters, spaces, sources, source properties,
// and encrypted secrets in a local sqlite database (spec §6 "Persisted
// state").
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/matthias-trip/holms-sub001/internal/model"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID mints a lexicographically sortable row identifier for callers
// that don't already have a stable id for a space or source (e.g. a
// discovery pass creating sources for newly seen entities).
// ulid.Monotonic is not safe for concurrent use, hence idMu.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

const schema = `
CREATE TABLE IF NOT EXISTS adapters (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	display_name TEXT NOT NULL,
	config_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS spaces (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	floor TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	space_id TEXT NOT NULL REFERENCES spaces(id),
	adapter_id TEXT NOT NULL REFERENCES adapters(id),
	entity_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS source_properties (
	source_id TEXT NOT NULL REFERENCES sources(id),
	property TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	mounting TEXT NOT NULL DEFAULT '',
	features_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (source_id, property)
);
CREATE TABLE IF NOT EXISTS secrets (
	id TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store is the sqlite-backed persistence layer for the substrate's
// configured state. It is safe for concurrent use; sqlite itself
// serialises writers, and Open limits the pool to one connection so
// callers observe a single consistent writer at a time (spec §5 "The
// secret store serialises around a database write lock").
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialise writers per spec §5

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutAdapter inserts or replaces a configured adapter record. A record
// with no ID is assigned a freshly minted one.
func (s *Store) PutAdapter(rec model.AdapterRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	configJSON, err := json.Marshal(rec.ConfigBag)
	if err != nil {
		return fmt.Errorf("store: marshal config bag: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO adapters (id, type, display_name, config_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type=excluded.type, display_name=excluded.display_name, config_json=excluded.config_json`,
		rec.ID, rec.Type, rec.DisplayName, string(configJSON),
	)
	if err != nil {
		return fmt.Errorf("store: put adapter: %w", err)
	}
	return nil
}

// DeleteAdapter removes an adapter record.
func (s *Store) DeleteAdapter(id string) error {
	_, err := s.db.Exec(`DELETE FROM adapters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete adapter: %w", err)
	}
	return nil
}

// ListAdapters returns every configured adapter record.
func (s *Store) ListAdapters() ([]model.AdapterRecord, error) {
	rows, err := s.db.Query(`SELECT id, type, display_name, config_json FROM adapters`)
	if err != nil {
		return nil, fmt.Errorf("store: list adapters: %w", err)
	}
	defer rows.Close()

	var out []model.AdapterRecord
	for rows.Next() {
		var rec model.AdapterRecord
		var configJSON string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.DisplayName, &configJSON); err != nil {
			return nil, fmt.Errorf("store: scan adapter: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &rec.ConfigBag); err != nil {
			return nil, fmt.Errorf("store: unmarshal config bag: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutSpace inserts or replaces a space record. A record with no ID is
// assigned a freshly minted one.
func (s *Store) PutSpace(sp model.Space) error {
	if sp.ID == "" {
		sp.ID = NewID()
	}
	_, err := s.db.Exec(
		`INSERT INTO spaces (id, display_name, floor) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, floor=excluded.floor`,
		sp.ID, sp.DisplayName, sp.Floor,
	)
	if err != nil {
		return fmt.Errorf("store: put space: %w", err)
	}
	return nil
}

// PutSource inserts or replaces a source record. A record with no ID
// is assigned a freshly minted one.
func (s *Store) PutSource(src model.Source) error {
	if src.ID == "" {
		src.ID = NewID()
	}
	_, err := s.db.Exec(
		`INSERT INTO sources (id, space_id, adapter_id, entity_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET space_id=excluded.space_id, adapter_id=excluded.adapter_id, entity_id=excluded.entity_id`,
		src.ID, src.SpaceID, src.AdapterID, src.EntityID,
	)
	if err != nil {
		return fmt.Errorf("store: put source: %w", err)
	}
	return nil
}

// PutSourceProperty inserts or replaces one property binding on a
// source.
func (s *Store) PutSourceProperty(sourceID string, sp model.SourceProperty) error {
	features := make([]string, 0, len(sp.Features))
	for f := range sp.Features {
		features = append(features, f)
	}
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("store: marshal features: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO source_properties (source_id, property, role, mounting, features_json) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, property) DO UPDATE SET role=excluded.role, mounting=excluded.mounting, features_json=excluded.features_json`,
		sourceID, string(sp.Property), sp.Role, sp.Mounting, string(featuresJSON),
	)
	if err != nil {
		return fmt.Errorf("store: put source property: %w", err)
	}
	return nil
}

// LoadSpaceModel reads every space, source, and source property for
// handing to spaceregistry.Load.
func (s *Store) LoadSpaceModel() ([]*model.Space, []*model.Source, map[string][]*model.SourceProperty, error) {
	spaces, err := s.loadSpaces()
	if err != nil {
		return nil, nil, nil, err
	}
	sources, err := s.loadSources()
	if err != nil {
		return nil, nil, nil, err
	}
	properties, err := s.loadSourceProperties()
	if err != nil {
		return nil, nil, nil, err
	}
	return spaces, sources, properties, nil
}

func (s *Store) loadSpaces() ([]*model.Space, error) {
	rows, err := s.db.Query(`SELECT id, display_name, floor FROM spaces`)
	if err != nil {
		return nil, fmt.Errorf("store: load spaces: %w", err)
	}
	defer rows.Close()

	var out []*model.Space
	for rows.Next() {
		sp := &model.Space{}
		if err := rows.Scan(&sp.ID, &sp.DisplayName, &sp.Floor); err != nil {
			return nil, fmt.Errorf("store: scan space: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) loadSources() ([]*model.Source, error) {
	rows, err := s.db.Query(`SELECT id, space_id, adapter_id, entity_id FROM sources`)
	if err != nil {
		return nil, fmt.Errorf("store: load sources: %w", err)
	}
	defer rows.Close()

	var out []*model.Source
	for rows.Next() {
		src := &model.Source{}
		if err := rows.Scan(&src.ID, &src.SpaceID, &src.AdapterID, &src.EntityID); err != nil {
			return nil, fmt.Errorf("store: scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) loadSourceProperties() (map[string][]*model.SourceProperty, error) {
	rows, err := s.db.Query(`SELECT source_id, property, role, mounting, features_json FROM source_properties`)
	if err != nil {
		return nil, fmt.Errorf("store: load source properties: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*model.SourceProperty)
	for rows.Next() {
		var sourceID, property, role, mounting, featuresJSON string
		if err := rows.Scan(&sourceID, &property, &role, &mounting, &featuresJSON); err != nil {
			return nil, fmt.Errorf("store: scan source property: %w", err)
		}
		var features []string
		if err := json.Unmarshal([]byte(featuresJSON), &features); err != nil {
			return nil, fmt.Errorf("store: unmarshal features: %w", err)
		}
		featureSet := make(map[string]struct{}, len(features))
		for _, f := range features {
			featureSet[f] = struct{}{}
		}
		out[sourceID] = append(out[sourceID], &model.SourceProperty{
			Property: model.Property(property),
			Role:     role,
			Mounting: mounting,
			Features: featureSet,
		})
	}
	return out, rows.Err()
}

// PutSecret implements secretstore.Backend. The GCM nonce and
// authentication tag travel concatenated with the ciphertext (see
// internal/secretstore's encrypt), so the conceptual iv/tag columns
// from the persisted-state schema collapse into the single ciphertext
// blob stored here.
func (s *Store) PutSecret(ref string, ciphertext []byte, createdAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO secrets (id, ciphertext, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ciphertext=excluded.ciphertext, created_at=excluded.created_at`,
		ref, ciphertext, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put secret: %w", err)
	}
	return nil
}

// GetSecret implements secretstore.Backend.
func (s *Store) GetSecret(ref string) ([]byte, bool, error) {
	var ciphertext []byte
	err := s.db.QueryRow(`SELECT ciphertext FROM secrets WHERE id = ?`, ref).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get secret: %w", err)
	}
	return ciphertext, true, nil
}

// DeleteSecret implements secretstore.Backend.
func (s *Store) DeleteSecret(ref string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, ref)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	return nil
}
