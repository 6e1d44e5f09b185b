package storage

import (
	"fmt"
	"time"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds database connection settings.
type Config struct {
	Driver string `mapstructure:"driver"`
	// DSN is the connection string: a postgres URL/keyword string or a
	// sqlite file path.
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
}

// DefaultConfig returns settings suitable for a small community hub.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "hubd.db",
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Hour,
		DefaultTimeout:  10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.Driver != DriverMemory && c.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", c.Driver)
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return fmt.Errorf("max idle connections cannot exceed max open connections")
	}
	return nil
}
