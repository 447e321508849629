// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrace

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists allocation records to a SQLite database for offline
// analysis. It implements Reporter, so a reader can be drained straight
// into it.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
}

// AllocationSite is an aggregated view over records sharing a call site
// (the innermost stack frame).
type AllocationSite struct {
	Symbol string
	File   string
	Line   uint32
	Count  uint64
	Bytes  uint64
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initAllocationSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	insert, err := db.Prepare(`
		INSERT INTO allocations (allocator, size, stack_depth, symbol, file, line, stack)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %v", err)
	}

	return &Store{db: db, insert: insert}, nil
}

func initAllocationSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS allocations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		allocator   TEXT NOT NULL,
		size        INTEGER NOT NULL,
		stack_depth INTEGER NOT NULL,
		symbol      TEXT,           -- innermost frame
		file        TEXT,
		line        INTEGER,
		stack       TEXT            -- JSON array of frames, innermost first
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create allocations table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_alloc_allocator ON allocations(allocator);",
		"CREATE INDEX IF NOT EXISTS idx_alloc_symbol ON allocations(symbol, file, line);",
		"CREATE INDEX IF NOT EXISTS idx_alloc_size ON allocations(size);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func (s *Store) Consume(rec *AllocationRecord) error {
	stackJSON, err := json.Marshal(rec.StackTrace)
	if err != nil {
		return fmt.Errorf("failed to marshal stack: %v", err)
	}

	var symbol, file string
	var line uint32
	if len(rec.StackTrace) > 0 {
		symbol = rec.StackTrace[0].Symbol
		file = rec.StackTrace[0].File
		line = rec.StackTrace[0].Line
	}

	_, err = s.insert.Exec(rec.Allocator.String(), rec.Size, len(rec.StackTrace),
		symbol, file, line, string(stackJSON))
	if err != nil {
		return fmt.Errorf("failed to insert allocation record: %v", err)
	}
	return nil
}

func (s *Store) Flush() error { return nil }

// TopAllocationSites returns the call sites that allocated the most bytes,
// descending. Deallocation events are excluded.
func (s *Store) TopAllocationSites(limit int) ([]AllocationSite, error) {
	rows, err := s.db.Query(`
		SELECT symbol, file, line, COUNT(*), SUM(size)
		FROM allocations
		WHERE size > 0
		GROUP BY symbol, file, line
		ORDER BY SUM(size) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation sites: %v", err)
	}
	defer rows.Close()

	var sites []AllocationSite
	for rows.Next() {
		var site AllocationSite
		if err := rows.Scan(&site.Symbol, &site.File, &site.Line, &site.Count, &site.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan allocation site: %v", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *Store) Close() error {
	s.insert.Close()
	return s.db.Close()
}
