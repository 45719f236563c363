package tracker

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Open connects to the configured database. Supported drivers are "sqlite"
// and "postgres".
func Open(config Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	logMode := gormLogger.Silent
	if config.Debug {
		logMode = gormLogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		PrepareStmt:                              true,
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(Models()...)
	if err != nil {
		return fmt.Errorf("could not migrate database: %w", err)
	}
	return nil
}
