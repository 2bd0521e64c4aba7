package retrieval

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// openTestDB creates an in-memory database with the index tables.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE fault_patterns (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL,
			domain        TEXT NOT NULL,
			severity      INTEGER NOT NULL,
			cost_impact   REAL NOT NULL DEFAULT 0,
			energy_impact REAL NOT NULL DEFAULT 0,
			embedding     BLOB NOT NULL,
			dim           INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE solutions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			fault_type       TEXT NOT NULL,
			solution_text    TEXT NOT NULL,
			embedding        BLOB NOT NULL,
			dim              INTEGER NOT NULL,
			success_rate     REAL NOT NULL DEFAULT 0,
			avg_repair_hours REAL NOT NULL DEFAULT 0,
			parts            TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("creating table: %v", err)
		}
	}
	return db
}

// unit returns a one-hot vector of length dim with a 1 at position i.
func unit(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}
