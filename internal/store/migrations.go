package store

import (
	"database/sql"
	"fmt"

	"overlay/internal/logging"
)

// migration adds a column to an existing table. Fresh databases get the
// full schema up front; these cover databases created before the column
// existed.
type migration struct {
	table  string
	column string
	def    string
}

var pendingMigrations = []migration{
	// Run-step scoring detail, added alongside the healer tuning work.
	{"run_steps", "score", "REAL NOT NULL DEFAULT 0"},
	{"run_steps", "ai_confidence", "REAL"},
	// Workflow descriptions came after the initial schema.
	{"workflows", "description", "TEXT NOT NULL DEFAULT ''"},
}

func runMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.table) {
			continue
		}
		if columnExists(db, m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("migration failed for %s.%s: %v", m.table, m.column, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		logging.Store("applied %d schema migrations", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
