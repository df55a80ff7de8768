package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/promptkit-io/activator/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	connectTimeout = 10 * time.Second
)

// ErrDatabaseURLEmpty is returned when the central registry database URL is
// an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// PostgresConfig holds PostgreSQL connection configuration for the central
// registry.
type PostgresConfig struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadPostgresConfig loads connection configuration from environment
// variables with fallback to defaults.
func LoadPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		databaseURL:     config.GetEnvStr("CENTRAL_REGISTRY_URL", ""), // databaseURL is private for obvious reasons.
		MaxOpenConns:    config.GetEnvInt("CENTRAL_REGISTRY_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("CENTRAL_REGISTRY_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("CENTRAL_REGISTRY_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("CENTRAL_REGISTRY_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks if the configuration is usable.
func (c *PostgresConfig) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a masked database URL safe for logging.
func (c *PostgresConfig) MaskDatabaseURL() string {
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 || userInfo[colon+1:] == "" {
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://" + userInfo[:colon] + ":***" + afterScheme[lastAt:]
}

// PostgresRegistry implements Registry on a shared PostgreSQL database. It is
// the central registry every activator instance exports to and replicates
// from.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry opens a connection pool and verifies connectivity.
func NewPostgresRegistry(cfg *PostgresConfig) (*PostgresRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open central registry connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to reach central registry at %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return &PostgresRegistry{db: db}, nil
}

// NewPostgresRegistryWithDB wraps an existing database handle. Used by tests.
func NewPostgresRegistryWithDB(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// DB exposes the underlying connection pool so other stores on the same
// database (the service token store) can share it.
func (r *PostgresRegistry) DB() *sql.DB {
	return r.db
}

// Close closes the connection pool. Safe to call multiple times.
func (r *PostgresRegistry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}

	return nil
}

// RegisterCollection creates a collection, idempotently.
func (r *PostgresRegistry) RegisterCollection(ctx context.Context, name string, ctype CollectionType) error {
	var existing CollectionType

	err := r.db.QueryRowContext(ctx,
		`SELECT type FROM collections WHERE name = $1`, name).Scan(&existing)

	switch {
	case err == nil:
		if existing != ctype {
			return fmt.Errorf("%w: %s is %s, requested %s", ErrCollectionTypeConflict, name, existing, ctype)
		}

		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to inspect collection %s: %w", name, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO collections (name, type) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, int(ctype))
	if err != nil {
		return fmt.Errorf("failed to register collection %s: %w", name, err)
	}

	return nil
}

// RemoveCollection deletes a collection, its datasets, and its chain
// membership. Foreign keys cascade the dataset and chain rows.
func (r *PostgresRegistry) RemoveCollection(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM collections WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to remove collection %s: %w", name, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove collection %s: %w", name, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	return nil
}

// CollectionType reports the type of a collection and whether it exists.
func (r *PostgresRegistry) CollectionType(ctx context.Context, name string) (CollectionType, bool, error) {
	var ctype CollectionType

	err := r.db.QueryRowContext(ctx,
		`SELECT type FROM collections WHERE name = $1`, name).Scan(&ctype)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to inspect collection %s: %w", name, err)
	}

	return ctype, true, nil
}

// QueryCollections lists collections of one type, sorted by name.
func (r *PostgresRegistry) QueryCollections(ctx context.Context, ctype CollectionType) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM collections WHERE type = $1 ORDER BY name`, int(ctype))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s collections: %w", ctype, err)
	}

	defer func() { _ = rows.Close() }()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to list %s collections: %w", ctype, err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s collections: %w", ctype, err)
	}

	return names, nil
}

// GetCollectionChain returns the direct children of a chained collection.
func (r *PostgresRegistry) GetCollectionChain(ctx context.Context, chain string) ([]string, error) {
	if err := r.requireChained(ctx, chain); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT child FROM collection_chains WHERE parent = $1 ORDER BY position`, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain %s: %w", chain, err)
	}

	defer func() { _ = rows.Close() }()

	var children []string

	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("failed to read chain %s: %w", chain, err)
		}

		children = append(children, child)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chain %s: %w", chain, err)
	}

	return children, nil
}

// SetCollectionChain replaces the children of a chained collection.
func (r *PostgresRegistry) SetCollectionChain(ctx context.Context, chain string, children []string) error {
	if err := r.requireChained(ctx, chain); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to update chain %s: %w", chain, err)
	}

	defer func() { _ = tx.Rollback() }()

	var known int

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collections WHERE name = ANY($1)`, pq.Array(children)).Scan(&known)
	if err != nil {
		return fmt.Errorf("failed to update chain %s: %w", chain, err)
	}

	if known != len(children) {
		return fmt.Errorf("%w: chain %s references missing children", ErrCollectionNotFound, chain)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM collection_chains WHERE parent = $1`, chain); err != nil {
		return fmt.Errorf("failed to update chain %s: %w", chain, err)
	}

	for i, child := range children {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collection_chains (parent, position, child) VALUES ($1, $2, $3)`,
			chain, i, child); err != nil {
			return fmt.Errorf("failed to update chain %s: %w", chain, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to update chain %s: %w", chain, err)
	}

	return nil
}

func (r *PostgresRegistry) requireChained(ctx context.Context, chain string) error {
	ctype, ok, err := r.CollectionType(ctx, chain)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, chain)
	}

	if ctype != CollectionChained {
		return fmt.Errorf("%w: %s is %s", ErrNotChained, chain, ctype)
	}

	return nil
}

// ParentChains lists the chained collections that directly include name.
func (r *PostgresRegistry) ParentChains(ctx context.Context, name string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT parent FROM collection_chains WHERE child = $1 ORDER BY parent`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list parent chains of %s: %w", name, err)
	}

	defer func() { _ = rows.Close() }()

	var parents []string

	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, fmt.Errorf("failed to list parent chains of %s: %w", name, err)
		}

		parents = append(parents, parent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list parent chains of %s: %w", name, err)
	}

	return parents, nil
}

// RegisterDatasetType records a dataset type, idempotently.
func (r *PostgresRegistry) RegisterDatasetType(ctx context.Context, dt DatasetType) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dataset_types (name, dimensions) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET dimensions = EXCLUDED.dimensions`,
		dt.Name, pq.Array(dt.Dimensions))
	if err != nil {
		return fmt.Errorf("failed to register dataset type %s: %w", dt.Name, err)
	}

	return nil
}

// GetDatasetType looks up a dataset type by name.
func (r *PostgresRegistry) GetDatasetType(ctx context.Context, name string) (DatasetType, bool, error) {
	dt := DatasetType{Name: name}

	err := r.db.QueryRowContext(ctx,
		`SELECT dimensions FROM dataset_types WHERE name = $1`, name).
		Scan(pq.Array(&dt.Dimensions))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return DatasetType{}, false, nil
	case err != nil:
		return DatasetType{}, false, fmt.Errorf("failed to look up dataset type %s: %w", name, err)
	}

	return dt, true, nil
}

// QueryDatasetTypes lists dataset types whose name matches a glob pattern.
func (r *PostgresRegistry) QueryDatasetTypes(ctx context.Context, pattern string) ([]DatasetType, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, dimensions FROM dataset_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset types: %w", err)
	}

	defer func() { _ = rows.Close() }()

	q := QueryCriteria{DatasetType: pattern}

	var out []DatasetType

	for rows.Next() {
		var dt DatasetType
		if err := rows.Scan(&dt.Name, pq.Array(&dt.Dimensions)); err != nil {
			return nil, fmt.Errorf("failed to list dataset types: %w", err)
		}

		if q.TypeMatches(dt.Name) {
			out = append(out, dt)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dataset types: %w", err)
	}

	return out, nil
}

// InsertDatasets records dataset references, idempotently.
func (r *PostgresRegistry) InsertDatasets(ctx context.Context, refs []DatasetRef) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to insert datasets: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, ref := range refs {
		var ctype CollectionType

		err := tx.QueryRowContext(ctx,
			`SELECT type FROM collections WHERE name = $1`, ref.Run).Scan(&ctype)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, ref.Run)
		case err != nil:
			return fmt.Errorf("failed to insert dataset %s: %w", ref, err)
		}

		if ctype == CollectionChained {
			return fmt.Errorf("cannot insert dataset %s into chained collection %s", ref, ref.Run)
		}

		dataID, err := json.Marshal(ref.DataID)
		if err != nil {
			return fmt.Errorf("failed to insert dataset %s: %w", ref, err)
		}

		var begin, end sql.NullTime
		if ref.Validity != nil {
			if ref.Validity.Begin != nil {
				begin = sql.NullTime{Time: *ref.Validity.Begin, Valid: true}
			}

			if ref.Validity.End != nil {
				end = sql.NullTime{Time: *ref.Validity.End, Valid: true}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datasets (id, dataset_type, data_id, run, validity_begin, validity_end)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (dataset_type, data_id, run, validity_key) DO NOTHING`,
			ref.ID, ref.DatasetType, dataID, ref.Run, begin, end); err != nil {
			return fmt.Errorf("failed to insert dataset %s: %w", ref, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to insert datasets: %w", err)
	}

	return nil
}

// QueryDatasets returns the references matching the criteria, in collection
// search order.
func (r *PostgresRegistry) QueryDatasets(ctx context.Context, q QueryCriteria) ([]DatasetRef, error) {
	for dim, value := range q.GovernorConstraints() {
		known, err := r.knowsDimensionValue(ctx, dim, value)
		if err != nil {
			return nil, err
		}

		if !known {
			return nil, fmt.Errorf("%w: %s=%s", ErrUnknownDimensionValue, dim, value)
		}
	}

	flattened, err := r.flatten(ctx, q.Collections)
	if err != nil {
		return nil, err
	}

	ordered := make([][]DatasetRef, 0, len(flattened))

	for _, coll := range flattened {
		candidates, err := r.datasetsInCollection(ctx, coll, q.DatasetType)
		if err != nil {
			return nil, err
		}

		ordered = append(ordered, candidates)
	}

	return mergeQueryResults(q, ordered), nil
}

func (r *PostgresRegistry) datasetsInCollection(ctx context.Context, coll, typePattern string) ([]DatasetRef, error) {
	query := `SELECT id, dataset_type, data_id, run, validity_begin, validity_end
	          FROM datasets WHERE run = $1`
	args := []any{coll}

	// Push exact type constraints into SQL; glob patterns are matched by
	// mergeQueryResults anyway.
	if typePattern != "" && !strings.ContainsAny(typePattern, "*?[") {
		query += ` AND dataset_type = $2`

		args = append(args, typePattern)
	}

	query += ` ORDER BY dataset_type, data_id::text`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets in %s: %w", coll, err)
	}

	defer func() { _ = rows.Close() }()

	var out []DatasetRef

	for rows.Next() {
		var (
			ref        DatasetRef
			dataID     []byte
			begin, end sql.NullTime
		)

		if err := rows.Scan(&ref.ID, &ref.DatasetType, &dataID, &ref.Run, &begin, &end); err != nil {
			return nil, fmt.Errorf("failed to query datasets in %s: %w", coll, err)
		}

		if err := json.Unmarshal(dataID, &ref.DataID); err != nil {
			return nil, fmt.Errorf("failed to query datasets in %s: %w", coll, err)
		}

		if begin.Valid || end.Valid {
			ref.Validity = &ValidityRange{}

			if begin.Valid {
				t := begin.Time
				ref.Validity.Begin = &t
			}

			if end.Valid {
				t := end.Time
				ref.Validity.End = &t
			}
		}

		out = append(out, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query datasets in %s: %w", coll, err)
	}

	return out, nil
}

func (r *PostgresRegistry) flatten(ctx context.Context, collections []string) ([]string, error) {
	var out []string

	visited := make(map[string]struct{})

	var walk func(name string) error

	walk = func(name string) error {
		if _, ok := visited[name]; ok {
			return nil
		}

		visited[name] = struct{}{}

		ctype, ok, err := r.CollectionType(ctx, name)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}

		if ctype != CollectionChained {
			out = append(out, name)

			return nil
		}

		children, err := r.GetCollectionChain(ctx, name)
		if err != nil {
			return err
		}

		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}

		return nil
	}

	for _, name := range collections {
		if err := walk(name); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (r *PostgresRegistry) knowsDimensionValue(ctx context.Context, element, value string) (bool, error) {
	var known bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dimension_records WHERE element = $1 AND data_id->>$1 = $2)`,
		element, value).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("failed to validate %s=%s: %w", element, value, err)
	}

	return known, nil
}

// RemoveDatasets deletes the given references from their collections.
func (r *PostgresRegistry) RemoveDatasets(ctx context.Context, refs []DatasetRef) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to remove datasets: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, ref := range refs {
		dataID, err := json.Marshal(ref.DataID)
		if err != nil {
			return fmt.Errorf("failed to remove dataset %s: %w", ref, err)
		}

		var begin sql.NullTime
		if ref.Validity != nil && ref.Validity.Begin != nil {
			begin = sql.NullTime{Time: *ref.Validity.Begin, Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM datasets
			 WHERE dataset_type = $1 AND data_id = $2 AND run = $3
			   AND validity_begin IS NOT DISTINCT FROM $4`,
			ref.DatasetType, dataID, ref.Run, begin); err != nil {
			return fmt.Errorf("failed to remove dataset %s: %w", ref, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to remove datasets: %w", err)
	}

	return nil
}

// InsertDimensionRecords records dimension metadata rows, idempotently.
func (r *PostgresRegistry) InsertDimensionRecords(ctx context.Context, recs []DimensionRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to insert dimension records: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		dataID, err := json.Marshal(rec.DataID)
		if err != nil {
			return fmt.Errorf("failed to insert %s record: %w", rec.Element, err)
		}

		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to insert %s record: %w", rec.Element, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dimension_records (element, data_id, fields) VALUES ($1, $2, $3)
			 ON CONFLICT (element, data_id) DO NOTHING`,
			rec.Element, dataID, fields); err != nil {
			return fmt.Errorf("failed to insert %s record: %w", rec.Element, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to insert dimension records: %w", err)
	}

	return nil
}

// QueryDimensionRecords returns the records of one element matching the
// equality constraints in where.
func (r *PostgresRegistry) QueryDimensionRecords(ctx context.Context, element string, where DataID) ([]DimensionRecord, error) {
	constraint, err := json.Marshal(where)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", element, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT data_id, fields FROM dimension_records
		 WHERE element = $1 AND data_id @> $2 ORDER BY data_id::text`,
		element, constraint)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", element, err)
	}

	defer func() { _ = rows.Close() }()

	var out []DimensionRecord

	for rows.Next() {
		rec := DimensionRecord{Element: element}

		var dataID, fields []byte

		if err := rows.Scan(&dataID, &fields); err != nil {
			return nil, fmt.Errorf("failed to query %s records: %w", element, err)
		}

		if err := json.Unmarshal(dataID, &rec.DataID); err != nil {
			return nil, fmt.Errorf("failed to query %s records: %w", element, err)
		}

		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, fmt.Errorf("failed to query %s records: %w", element, err)
			}
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", element, err)
	}

	return out, nil
}
