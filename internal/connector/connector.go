package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ConnectionConfig holds database connection parameters.
type ConnectionConfig struct {
	Driver          string
	DSN             string
	SchemaName      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Connector is an open pool to one service's database. All SQL is rendered
// through the service's Dialect.
type Connector struct {
	db      *sqlx.DB
	dialect Dialect
	schema  string
}

// Open connects to the database described by cfg and verifies it with a ping.
func Open(ctx context.Context, cfg ConnectionConfig) (*Connector, error) {
	d, ok := LookupDialect(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s (available: %v)", cfg.Driver, Drivers())
	}

	dsn := cfg.DSN
	if d.NormalizeDSN != nil {
		dsn = d.NormalizeDSN(dsn)
	}

	db, err := sqlx.Open(d.SQLDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}

	// Each connection to an in-memory SQLite database is its own database.
	if d.Name == "sqlite" && (dsn == ":memory:" || dsn == "") {
		cfg.MaxOpenConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}

	schema := ""
	if d.DefaultSchema != "" {
		schema = cfg.SchemaName
		if schema == "" {
			schema = d.DefaultSchema
		}
	}

	return &Connector{db: db, dialect: d, schema: schema}, nil
}

// DB returns the underlying pool.
func (c *Connector) DB() *sqlx.DB { return c.db }

// Dialect returns the dialect SQL is rendered with.
func (c *Connector) Dialect() Dialect { return c.dialect }

// Schema returns the schema tables are qualified with, if any.
func (c *Connector) Schema() string { return c.schema }

func (c *Connector) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Connector) Close() error { return c.db.Close() }

// TableNames lists the base tables visible to the service.
func (c *Connector) TableNames(ctx context.Context) ([]string, error) {
	var names []string
	var err error
	if c.schema == "" {
		err = c.db.SelectContext(ctx, &names, c.dialect.TableNamesQuery)
	} else {
		err = c.db.SelectContext(ctx, &names, c.dialect.TableNamesQuery, c.schema)
	}
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Select runs a record query.
func (c *Connector) Select(ctx context.Context, req SelectRequest) ([]map[string]interface{}, error) {
	q, args, err := BuildSelect(c.dialect, c.schema, req)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

// Count returns the number of rows matching where.
func (c *Connector) Count(ctx context.Context, table string, where map[string]interface{}) (int64, error) {
	q, args, err := BuildCount(c.dialect, c.schema, table, where)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// Insert creates records. Dialects that support it return the stored rows;
// the others return the input records unchanged.
func (c *Connector) Insert(ctx context.Context, table string, records []map[string]interface{}) ([]map[string]interface{}, error) {
	q, args, err := BuildInsert(c.dialect, c.schema, table, records)
	if err != nil {
		return nil, err
	}
	if c.dialect.SupportsReturning() {
		rows, err := c.db.QueryxContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		return scanRows(rows)
	}
	if _, err := c.db.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}
	return records, nil
}

// Update applies req and returns the number of rows changed.
func (c *Connector) Update(ctx context.Context, req UpdateRequest) (int64, error) {
	q, args, err := BuildUpdate(c.dialect, c.schema, req)
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete applies req and returns the number of rows removed.
func (c *Connector) Delete(ctx context.Context, req DeleteRequest) (int64, error) {
	q, args, err := BuildDelete(c.dialect, c.schema, req)
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanRows reads every row into a map, turning []byte values into strings
// so they serialize as text rather than base64.
func scanRows(rows *sqlx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	out := []map[string]interface{}{}
	for rows.Next() {
		m := make(map[string]interface{})
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
