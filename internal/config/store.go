package config

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/model"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the backing database of the control-plane store.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN overrides the connection string. For sqlite it is derived from
	// DataDir when empty; postgres requires it.
	DSN string
	// DataDir holds keygate.db for sqlite. Empty means in-memory.
	DataDir string
}

// Store manages keygate's control-plane state: admins, services, API keys
// and the usage ledger. SQLite is the default backend; PostgreSQL is used
// when several gateway replicas share one ledger.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore opens and migrates the control-plane database.
func NewStore(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(opts)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		db, err = sqlx.Connect("pgx", opts.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate config database: %w", err)
	}
	return s, nil
}

func openSQLite(opts Options) (*sqlx.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		if opts.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Driver returns the store backend name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// insertReturningID runs a named INSERT and returns the generated id. pgx
// does not implement LastInsertId, so both backends use RETURNING.
func (s *Store) insertReturningID(ctx context.Context, q string, arg interface{}) (int64, error) {
	query, args, err := sqlx.Named(q+" RETURNING id", arg)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, s.db.Rebind(query), args...); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) get(ctx context.Context, dest interface{}, q string, args ...interface{}) error {
	return s.db.GetContext(ctx, dest, s.db.Rebind(q), args...)
}

func (s *Store) selectAll(ctx context.Context, dest interface{}, q string, args ...interface{}) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(q), args...)
}

// execOne runs a statement that must affect at least one row.
func (s *Store) execOne(ctx context.Context, q string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// now returns the current time in UTC truncated to microseconds, the finest
// precision both backends round-trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ---------------------------------------------------------------------------
// Service CRUD
// ---------------------------------------------------------------------------

// serviceRow maps 1:1 to the services table. model.ServiceConfig nests its
// pool settings, which sqlx cannot scan into directly.
type serviceRow struct {
	ID                int64     `db:"id"`
	Name              string    `db:"name"`
	Label             string    `db:"label"`
	Driver            string    `db:"driver"`
	DSN               string    `db:"dsn"`
	SchemaName        string    `db:"schema_name"`
	ReadOnly          bool      `db:"read_only"`
	IsActive          bool      `db:"is_active"`
	MaxOpenConns      int       `db:"max_open_conns"`
	MaxIdleConns      int       `db:"max_idle_conns"`
	ConnMaxLifetimeMs int64     `db:"conn_max_lifetime_ms"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func serviceRowFromModel(svc *model.ServiceConfig) serviceRow {
	return serviceRow{
		ID:                svc.ID,
		Name:              svc.Name,
		Label:             svc.Label,
		Driver:            svc.Driver,
		DSN:               svc.DSN,
		SchemaName:        svc.Schema,
		ReadOnly:          svc.ReadOnly,
		IsActive:          svc.IsActive,
		MaxOpenConns:      svc.Pool.MaxOpenConns,
		MaxIdleConns:      svc.Pool.MaxIdleConns,
		ConnMaxLifetimeMs: svc.Pool.ConnMaxLifetime.Milliseconds(),
		CreatedAt:         svc.CreatedAt,
		UpdatedAt:         svc.UpdatedAt,
	}
}

func (r serviceRow) toModel() model.ServiceConfig {
	return model.ServiceConfig{
		ID:       r.ID,
		Name:     r.Name,
		Label:    r.Label,
		Driver:   r.Driver,
		DSN:      r.DSN,
		Schema:   r.SchemaName,
		ReadOnly: r.ReadOnly,
		IsActive: r.IsActive,
		Pool: model.PoolConfig{
			MaxOpenConns:    r.MaxOpenConns,
			MaxIdleConns:    r.MaxIdleConns,
			ConnMaxLifetime: time.Duration(r.ConnMaxLifetimeMs) * time.Millisecond,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreateService inserts a new service. ID, CreatedAt and UpdatedAt on svc
// are populated after a successful insert.
func (s *Store) CreateService(ctx context.Context, svc *model.ServiceConfig) error {
	ts := now()
	svc.CreatedAt = ts
	svc.UpdatedAt = ts

	const q = `INSERT INTO services
		(name, label, driver, dsn, schema_name, read_only, is_active,
		 max_open_conns, max_idle_conns, conn_max_lifetime_ms, created_at, updated_at)
		VALUES
		(:name, :label, :driver, :dsn, :schema_name, :read_only, :is_active,
		 :max_open_conns, :max_idle_conns, :conn_max_lifetime_ms, :created_at, :updated_at)`

	id, err := s.insertReturningID(ctx, q, serviceRowFromModel(svc))
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	svc.ID = id
	return nil
}

// GetService returns a service by ID.
func (s *Store) GetService(ctx context.Context, id int64) (*model.ServiceConfig, error) {
	var row serviceRow
	if err := s.get(ctx, &row, "SELECT * FROM services WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get service: %w", notFound(err))
	}
	svc := row.toModel()
	return &svc, nil
}

// GetServiceByName returns a service by its unique name.
func (s *Store) GetServiceByName(ctx context.Context, name string) (*model.ServiceConfig, error) {
	var row serviceRow
	if err := s.get(ctx, &row, "SELECT * FROM services WHERE name = ?", name); err != nil {
		return nil, fmt.Errorf("get service by name: %w", notFound(err))
	}
	svc := row.toModel()
	return &svc, nil
}

// ListServices returns all services ordered by name.
func (s *Store) ListServices(ctx context.Context) ([]model.ServiceConfig, error) {
	var rows []serviceRow
	if err := s.selectAll(ctx, &rows, "SELECT * FROM services ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	services := make([]model.ServiceConfig, len(rows))
	for i, r := range rows {
		services[i] = r.toModel()
	}
	return services, nil
}

// UpdateService updates an existing service and refreshes UpdatedAt.
func (s *Store) UpdateService(ctx context.Context, svc *model.ServiceConfig) error {
	svc.UpdatedAt = now()

	const q = `UPDATE services SET
		name = :name, label = :label, driver = :driver, dsn = :dsn,
		schema_name = :schema_name, read_only = :read_only, is_active = :is_active,
		max_open_conns = :max_open_conns, max_idle_conns = :max_idle_conns,
		conn_max_lifetime_ms = :conn_max_lifetime_ms, updated_at = :updated_at
		WHERE id = :id`

	query, args, err := sqlx.Named(q, serviceRowFromModel(svc))
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	if err := s.execOne(ctx, query, args...); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

// DeleteService removes a service by ID. Keys scoped to the service are left
// in place; they stop verifying once no service with that name exists.
func (s *Store) DeleteService(ctx context.Context, id int64) error {
	if err := s.execOne(ctx, "DELETE FROM services WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admin CRUD
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	ts := now()
	admin.CreatedAt = ts
	admin.UpdatedAt = ts

	const q = `INSERT INTO admins
		(email, password_hash, name, is_active, is_super_admin, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :is_active, :is_super_admin, :created_at, :updated_at)`

	id, err := s.insertReturningID(ctx, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	if err := s.get(ctx, &admin, "SELECT * FROM admins WHERE email = ?", email); err != nil {
		return nil, fmt.Errorf("get admin by email: %w", notFound(err))
	}
	return &admin, nil
}

// GetAdmin returns an admin by ID.
func (s *Store) GetAdmin(ctx context.Context, id int64) (*model.Admin, error) {
	var admin model.Admin
	if err := s.get(ctx, &admin, "SELECT * FROM admins WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get admin: %w", notFound(err))
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.selectAll(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists. The setup
// endpoint is only open while this is false.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.get(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	ts := now()
	if err := s.execOne(ctx,
		"UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?", ts, ts, id); err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns a value from the key-value settings table.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.get(ctx, &value, "SELECT value FROM settings WHERE key = ?", key); err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, notFound(err))
	}
	return value, nil
}

// SetSetting upserts a value in the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// JWTSecret returns the persisted session signing secret, generating one on
// first use so admin sessions survive restarts without configuration.
func (s *Store) JWTSecret(ctx context.Context) (string, error) {
	secret, err := s.GetSetting(ctx, "auth.jwt_secret")
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	secret = hex.EncodeToString(raw)
	if err := s.SetSetting(ctx, "auth.jwt_secret", secret); err != nil {
		return "", err
	}
	return secret, nil
}
