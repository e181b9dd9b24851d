package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

// AllModels lists every persisted table for migration.
func AllModels() []any {
	return []any{
		&models.User{},
		&models.Thread{},
		&models.Step{},
		&models.Element{},
		&models.Feedback{},
	}
}

// requiredColumns is the compatibility probe: a pre-existing database
// missing any of these is treated as foreign and moved aside rather
// than migrated in place.
var requiredColumns = map[string][]string{
	"users":     {"id", "identifier"},
	"threads":   {"id", "userIdentifier", "tags"},
	"steps":     {"id", "threadId", "type", "output"},
	"elements":  {"id", "forId", "objectKey"},
	"feedbacks": {"id", "forId", "value"},
}

// Open opens (and if needed creates) the local SQLite database at path,
// bringing the schema up to date. An existing file whose schema fails
// the compatibility probe is moved aside to "<path>.bak" (then ".bak1",
// ".bak2", ...) and a fresh database is created in its place.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database dir: %w", err)
	}

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if !schemaCompatible(db) {
			if err := closeGorm(db); err != nil {
				return nil, err
			}
			backup, err := MoveAside(path)
			if err != nil {
				return nil, err
			}
			log.Printf("store: incompatible schema in %s, moved aside to %s", path, backup)
			if db, err = openSQLite(path); err != nil {
				return nil, err
			}
		}
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: auto-migrate: %w", err)
	}
	return NewWithDB(db, true), nil
}

// OpenDatabaseURL connects to an external database given by a
// DATABASE_URL-style DSN. Only the MySQL family is supported; schema
// management is left to the external deployment.
func OpenDatabaseURL(dsn string) (Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect DATABASE_URL: %w", err)
	}
	return NewWithDB(db, isSQLiteDialect(db.Dialector.Name())), nil
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	return db, nil
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("store: close before move-aside: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("store: close before move-aside: %w", err)
	}
	return nil
}

// schemaCompatible checks every existing table against requiredColumns.
// Tables that do not exist yet are fine; AutoMigrate creates them.
func schemaCompatible(db *gorm.DB) bool {
	m := db.Migrator()
	for table, cols := range requiredColumns {
		if !m.HasTable(table) {
			continue
		}
		for _, col := range cols {
			if !hasColumn(db, table, col) {
				return false
			}
		}
	}
	return true
}

// hasColumn probes table_info directly; Migrator().HasColumn folds
// case, which would wave through a column with the wrong casing.
func hasColumn(db *gorm.DB, table, column string) bool {
	var names []string
	rows, err := db.Raw(fmt.Sprintf("PRAGMA table_info(%q)", table)).Rows()
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &primaryKey); err != nil {
			return false
		}
		names = append(names, name)
	}
	for _, n := range names {
		if n == column {
			return true
		}
	}
	return false
}

// MoveAside renames path to the first free "<path>.bak[N]" slot.
func MoveAside(path string) (string, error) {
	candidate := path + ".bak"
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			break
		}
		candidate = fmt.Sprintf("%s.bak%d", path, n)
	}
	if err := os.Rename(path, candidate); err != nil {
		return "", fmt.Errorf("store: move aside %s: %w", path, err)
	}
	return candidate, nil
}
