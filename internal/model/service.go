package model

import "time"

// ServiceConfig describes a registered database. The service name is the
// scope an API key is bound to and the first path segment of the data API.
type ServiceConfig struct {
	ID        int64      `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Label     string     `json:"label" db:"label"`
	Driver    string     `json:"driver" db:"driver"` // postgres, mysql, sqlite, mssql, snowflake
	DSN       string     `json:"dsn,omitempty" db:"dsn"`
	Schema    string     `json:"schema" db:"schema_name"`
	ReadOnly  bool       `json:"read_only" db:"read_only"`
	IsActive  bool       `json:"is_active" db:"is_active"`
	Pool      PoolConfig `json:"pool"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// PoolConfig controls the connection pool opened for a service.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultPoolConfig returns the pool settings used when a service omits them.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}
