package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// PostgresConfig holds connection parameters for PostgresStore.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible defaults for a local database.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "federation",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements InstanceStore on top of database/sql with the
// lib/pq driver.
type PostgresStore struct {
	db *sql.DB

	stmtSave           *sql.Stmt
	stmtFindByID       *sql.Stmt
	stmtFindByEndpoint *sql.Stmt
	stmtList           *sql.Stmt
	stmtDelete         *sql.Stmt
	stmtFindByRegion   *sql.Stmt
}

// NewPostgresStore opens a connection pool from config and prepares the
// store's statements.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return newPostgresStoreWithDSN(dsn, config)
}

// NewPostgresStoreFromDSN opens a connection pool from a raw DSN. Tests do
// not use it; they inject a sqlmock connection via newPostgresStoreFromDB.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	return newPostgresStoreWithDSN(dsn, config)
}

func newPostgresStoreWithDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

// newPostgresStoreFromDB wraps an already-open *sql.DB, used by tests with a
// sqlmock-backed connection where NewPostgresStoreFromDSN's PingContext
// would need an expectation set up ahead of Open.
func newPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtSave, err = s.db.Prepare(`
		INSERT INTO instances (id, endpoint, region, zone, version, capabilities, health_status,
			current_sessions, max_sessions, cpu_percent, memory_percent, routing_weight, is_active,
			last_health_check, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint, region = EXCLUDED.region, zone = EXCLUDED.zone,
			version = EXCLUDED.version, capabilities = EXCLUDED.capabilities,
			health_status = EXCLUDED.health_status, current_sessions = EXCLUDED.current_sessions,
			max_sessions = EXCLUDED.max_sessions, cpu_percent = EXCLUDED.cpu_percent,
			memory_percent = EXCLUDED.memory_percent, routing_weight = EXCLUDED.routing_weight,
			is_active = EXCLUDED.is_active, last_health_check = EXCLUDED.last_health_check,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}

	s.stmtFindByID, err = s.db.Prepare(selectInstanceColumns + `WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare find by id: %w", err)
	}

	s.stmtFindByEndpoint, err = s.db.Prepare(selectInstanceColumns + `WHERE endpoint = $1`)
	if err != nil {
		return fmt.Errorf("prepare find by endpoint: %w", err)
	}

	s.stmtList, err = s.db.Prepare(selectInstanceColumns + `ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}

	s.stmtDelete, err = s.db.Prepare(`DELETE FROM instances WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}

	s.stmtFindByRegion, err = s.db.Prepare(selectInstanceColumns + `WHERE region = $1`)
	if err != nil {
		return fmt.Errorf("prepare find by region: %w", err)
	}

	return nil
}

const selectInstanceColumns = `
	SELECT id, endpoint, region, zone, version, capabilities, health_status,
		current_sessions, max_sessions, cpu_percent, memory_percent, routing_weight, is_active,
		last_health_check, created_at, updated_at
	FROM instances
`

// Close closes every prepared statement and the underlying connection pool.
func (s *PostgresStore) Close() error {
	stmts := []*sql.Stmt{s.stmtSave, s.stmtFindByID, s.stmtFindByEndpoint, s.stmtList, s.stmtDelete, s.stmtFindByRegion}
	var errs []string
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing store: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, instance fedtypes.Instance) error {
	capsJSON, err := json.Marshal(instance.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.stmtSave.ExecContext(ctx,
		instance.ID, instance.Endpoint, instance.Region, instance.Zone, instance.Version,
		capsJSON, instance.HealthStatus, instance.CurrentSessions, instance.MaxSessions,
		instance.CPUPercent, instance.MemoryPercent, instance.RoutingWeight, instance.IsActive,
		instance.LastHealthCheck, instance.CreatedAt, instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func scanInstance(row interface{ Scan(dest ...any) error }) (fedtypes.Instance, error) {
	var instance fedtypes.Instance
	var capsJSON []byte
	err := row.Scan(
		&instance.ID, &instance.Endpoint, &instance.Region, &instance.Zone, &instance.Version,
		&capsJSON, &instance.HealthStatus, &instance.CurrentSessions, &instance.MaxSessions,
		&instance.CPUPercent, &instance.MemoryPercent, &instance.RoutingWeight, &instance.IsActive,
		&instance.LastHealthCheck, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		return fedtypes.Instance{}, err
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &instance.Capabilities); err != nil {
			return fedtypes.Instance{}, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return instance, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (fedtypes.Instance, error) {
	instance, err := scanInstance(s.stmtFindByID.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return fedtypes.Instance{}, fedtypes.ErrNotFound
	}
	if err != nil {
		return fedtypes.Instance{}, fmt.Errorf("find instance by id: %w", err)
	}
	return instance, nil
}

func (s *PostgresStore) FindByEndpoint(ctx context.Context, endpoint string) (fedtypes.Instance, error) {
	instance, err := scanInstance(s.stmtFindByEndpoint.QueryRowContext(ctx, endpoint))
	if err == sql.ErrNoRows {
		return fedtypes.Instance{}, fedtypes.ErrNotFound
	}
	if err != nil {
		return fedtypes.Instance{}, fmt.Errorf("find instance by endpoint: %w", err)
	}
	return instance, nil
}

func (s *PostgresStore) queryInstances(ctx context.Context, stmt *sql.Stmt, args ...any) ([]fedtypes.Instance, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []fedtypes.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]fedtypes.Instance, error) {
	return s.queryInstances(ctx, s.stmtList)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fedtypes.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, update fedtypes.InstanceUpdate) (fedtypes.Instance, error) {
	existing, err := s.FindByID(ctx, id)
	if err != nil {
		return fedtypes.Instance{}, err
	}
	merged := applyUpdate(existing, update)
	merged.UpdatedAt = time.Now()
	if err := s.Save(ctx, merged); err != nil {
		return fedtypes.Instance{}, err
	}
	return merged, nil
}

func (s *PostgresStore) FindByRegion(ctx context.Context, region string) ([]fedtypes.Instance, error) {
	return s.queryInstances(ctx, s.stmtFindByRegion, region)
}

func (s *PostgresStore) FindByCapability(ctx context.Context, capability string) ([]fedtypes.Instance, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []fedtypes.Instance
	for _, instance := range all {
		if instance.HasCapability(capability) {
			out = append(out, instance)
		}
	}
	return out, nil
}

func (s *PostgresStore) GetHealthy(ctx context.Context) ([]fedtypes.Instance, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []fedtypes.Instance
	for _, instance := range all {
		if instance.IsCandidate() {
			out = append(out, instance)
		}
	}
	return out, nil
}
