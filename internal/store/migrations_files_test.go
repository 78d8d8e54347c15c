package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const migrationsPath = "../../db/migrations"

// Every up file needs a down file of the same version, and the down files
// must drop every table the up files create.
func TestMigrationPairsAreComplete(t *testing.T) {
	ups, err := upMigrationFiles(migrationsPath)
	if err != nil {
		t.Fatalf("upMigrationFiles() error = %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no up migrations found")
	}

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		upSQL := readSQL(t, up)
		downSQL := readSQL(t, down)

		for _, table := range createdTables(upSQL) {
			if !strings.Contains(downSQL, "DROP TABLE IF EXISTS "+table) {
				t.Errorf("%s does not drop table %s", filepath.Base(down), table)
			}
		}
	}
}

func readSQL(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

func createdTables(sqlText string) []string {
	const marker = "CREATE TABLE IF NOT EXISTS "
	var tables []string
	for _, line := range strings.Split(sqlText, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, marker) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(line, marker), " ")
		tables = append(tables, name)
	}
	return tables
}
