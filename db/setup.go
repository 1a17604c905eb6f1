package db

import (
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// indexes are created after the tables exist. The partial indexes keep at
// most one unresolved alert per (device, type), and per (mesh, type) for
// alerts with no device.
var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_device_type
		ON alerts (device_mac, type) WHERE status <> 'resolved' AND device_mac IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_mesh_type
		ON alerts (mesh_name, type) WHERE status <> 'resolved' AND device_mac IS NULL`,
}

func Config() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         newLogger(zlog.Logger),
	}
}

// gormWriter forwards gorm's log lines to zerolog.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn().Str("component", "gorm").Msgf(format, args...)
}

// newLogger reports slow queries and errors. Lookups that find nothing are
// expected (first contact, new meshes) and are not logged.
func newLogger(l zerolog.Logger) logger.Interface {
	return logger.New(gormWriter{log: l}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func ConnectDatabase(dsn string) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), Config())

	if err != nil {
		return err
	}

	return nil
}

func MigrateDatabase() error {
	return Migrate(DB)
}

// Migrate creates missing registry and alert tables on conn.
func Migrate(conn *gorm.DB) error {
	models := []interface{}{
		&models.Mesh{},
		&models.MeshSettings{},
		&models.Maintainer{},
		&models.Device{},
		&models.Alert{},
		&models.Notification{},
	}

	migrator := conn.Migrator()

	// Missing tables are migrated together so gorm can order the foreign keys.
	missing := make([]interface{}, 0, len(models))
	for _, model := range models {
		if !migrator.HasTable(model) {
			missing = append(missing, model)
		}
	}
	if len(missing) > 0 {
		if err := conn.AutoMigrate(missing...); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	for _, stmt := range indexes {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}
