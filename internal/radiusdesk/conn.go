package radiusdesk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Open connects to the RadiusDesk database described by config and checks
// that it answers.
func Open(ctx context.Context, config *types.DatabaseConfig) (*sql.DB, error) {
	timeout := config.Timeout

	if timeout == 0 {
		timeout = 10
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	driverName, dsn, err := DSN(config)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)

	if err != nil {
		return nil, fmt.Errorf("failed to open a database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

// DSN returns the database/sql driver name and data source for config.
func DSN(config *types.DatabaseConfig) (string, string, error) {
	// Use correct driver names for sql.Open
	driverName := config.Type
	switch config.Type {
	case "", "mysql":
		driverName = "mysql"
	case "postgres", "postgresql":
		driverName = "postgres"
	default:
		return "", "", fmt.Errorf("unsupported database type: %s", config.Type)
	}

	if config.DSN != "" {
		return driverName, config.DSN, nil
	}

	var dsn string

	switch driverName {
	case "postgres":
		sslMode := config.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", config.Host, config.Port, config.Username, config.Password, config.Database, sslMode)
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			config.Username, config.Password, config.Host, config.Port, config.Database)
	}

	return driverName, dsn, nil
}
