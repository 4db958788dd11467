package main

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/Zenohate/grimoire/vm"
)

// writeProfile dumps per-function instruction counts into a DuckDB file
// so profiles can be queried and joined offline.
func writeProfile(path, program string, rows []vm.FuncCount) error {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("profile: open %s: %w", path, err)
	}
	defer db.Close()

	const schema = `
CREATE TABLE IF NOT EXISTS profile (
	program  VARCHAR,
	function VARCHAR,
	executed BIGINT
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("profile: create table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("profile: begin: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(
			`INSERT INTO profile (program, function, executed) VALUES (?, ?, ?)`,
			program, row.Name, int64(row.Count),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("profile: insert: %w", err)
		}
	}
	return tx.Commit()
}
