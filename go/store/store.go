// Package store persists the small amounts of local state the pipeline
// keeps between runs: the per-source last harvested date, and the
// enrichment label cache. Both live in one SQLite database.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS source_state (
	source         TEXT PRIMARY KEY,
	last_harvested TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS enrichment_cache (
	url         TEXT PRIMARY KEY,
	pref_labels TEXT NOT NULL,
	alt_labels  TEXT NOT NULL
);
`

// Store is a handle on the state database. It is safe for concurrent use;
// cache writes are idempotent on their key, so racing writers converge.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path.
// The path ":memory:" yields a throwaway in-memory database.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database %s: %w", path, err)
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LastHarvestedDate returns the persisted date for source, or "" when the
// source has never completed a harvest.
func (s *Store) LastHarvestedDate(source string) (string, error) {
	var date string
	var err = s.db.QueryRow(
		`SELECT last_harvested FROM source_state WHERE source = ?`, source).Scan(&date)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("reading state of source %s: %w", source, err)
	}
	return date, nil
}

// SetLastHarvestedDate upserts the persisted date for source.
func (s *Store) SetLastHarvestedDate(source, date string) error {
	var _, err = s.db.Exec(
		`INSERT INTO source_state (source, last_harvested) VALUES (?, ?)
		 ON CONFLICT(source) DO UPDATE SET last_harvested = excluded.last_harvested`,
		source, date)
	if err != nil {
		return fmt.Errorf("persisting state of source %s: %w", source, err)
	}
	return nil
}

// EnrichmentLabels looks up cached labels by canonical fetch URL. The
// label strings are pipe-delimited, as stored.
func (s *Store) EnrichmentLabels(url string) (pref, alt string, ok bool, err error) {
	err = s.db.QueryRow(
		`SELECT pref_labels, alt_labels FROM enrichment_cache WHERE url = ?`, url).
		Scan(&pref, &alt)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	} else if err != nil {
		return "", "", false, fmt.Errorf("reading enrichment cache: %w", err)
	}
	return pref, alt, true, nil
}

// SetEnrichmentLabels stores pipe-delimited labels under the canonical
// fetch URL. Entries are immutable in practice; a replace with identical
// content keeps concurrent writers idempotent.
func (s *Store) SetEnrichmentLabels(url, pref, alt string) error {
	var _, err = s.db.Exec(
		`INSERT OR REPLACE INTO enrichment_cache (url, pref_labels, alt_labels)
		 VALUES (?, ?, ?)`, url, pref, alt)
	if err != nil {
		return fmt.Errorf("writing enrichment cache: %w", err)
	}
	return nil
}
