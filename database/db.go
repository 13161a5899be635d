package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vox_back/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open creates a gorm connection for the given driver, inferring the driver
// from the DSN when it is empty.
func Open(driver, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database: DATABASE_DSN environment variable is required")
	}

	driver = strings.TrimSpace(driver)
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("database: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}

	cfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	}

	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(strings.TrimPrefix(dsn, "mysql://")), cfg)
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), cfg)
	default:
		return nil, fmt.Errorf("database: unsupported database driver %q", driver)
	}
}

// OpenFromConfig opens the database named by DATABASE_DRIVER and DATABASE_DSN.
func OpenFromConfig(cfg *config.Config) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database: nil config")
	}
	return Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
}

// OpenMemory opens a private in-memory SQLite database. The pool is pinned to a
// single connection so the database lives as long as the returned handle.
func OpenMemory(name string) (*gorm.DB, error) {
	if strings.TrimSpace(name) == "" {
		name = "vox"
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', ' ', '?', '&', '#', '=':
			return '_'
		}
		return r
	}, name)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}
