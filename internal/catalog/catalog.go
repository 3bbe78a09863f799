package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	crdberrors "github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"

	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/pkg/types"
)

// Relation is a table known to the catalog.
type Relation struct {
	OID       types.OID
	Name      string
	CreatedAt time.Time
}

// Attribute is a column of a relation.
type Attribute struct {
	Relation types.OID
	Number   int
	Name     string
	Type     types.TypeID
}

// Constraint is a named check constraint of a relation, stored as SQL text.
type Constraint struct {
	Relation   types.OID
	Name       string
	Definition string
}

// Reader is the read surface shared by the catalog and its transactions, so
// descriptors can be built from either a committed snapshot or a transaction's
// own view.
type Reader interface {
	// ReadConfigRows returns every partitioning configuration row, ordered by table.
	ReadConfigRows(ctx context.Context) ([]types.ConfigRow, error)
	// ConfigRow returns the configuration row of table.
	ConfigRow(ctx context.Context, table types.OID) (types.ConfigRow, error)
	// ListDirectChildren returns the children of parent in ascending identifier order.
	ListDirectChildren(ctx context.Context, parent types.OID) ([]types.OID, error)
	// ParentOf returns the parent of child, if it has one.
	ParentOf(ctx context.Context, child types.OID) (types.OID, bool, error)
	Relation(ctx context.Context, oid types.OID) (*Relation, error)
	RelationByName(ctx context.Context, name string) (*Relation, error)
	Attribute(ctx context.Context, rel types.OID, name string) (*Attribute, error)
	Attributes(ctx context.Context, rel types.OID) ([]Attribute, error)
	Constraint(ctx context.Context, rel types.OID, name string) (*Constraint, error)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configures Open.
type Options struct {
	// BusyTimeout bounds how long a connection waits on a locked database.
	BusyTimeout time.Duration
	// Bus receives a notification for every committed change. Nil creates a private bus.
	Bus *inval.Bus
}

// Catalog is the SQLite-backed partitioning catalog.
type Catalog struct {
	reader
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	path   string
	bus    *inval.Bus
}

var _ Reader = (*Catalog)(nil)

// Open opens (creating if needed) the catalog database at path.
func Open(path string, opts Options) (*Catalog, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = inval.NewBus(256)
	}
	busyMs := opts.BusyTimeout.Milliseconds()

	// Write connection: single writer, BEGIN IMMEDIATE so a write transaction
	// holds the database write lock from its first statement. This is what
	// serializes writers across processes sharing the file.
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", path, busyMs))
	if err != nil {
		return nil, perrors.NewCatalogError(perrors.CodeQueryFailed, "open catalog database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, path: path, bus: opts.Bus}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, perrors.NewCatalogError(perrors.CodeQueryFailed, "initialize catalog schema", err)
	}

	readDB, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, busyMs))
	if err != nil {
		db.Close()
		return nil, perrors.NewCatalogError(perrors.CodeQueryFailed, "open catalog read pool", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c.readDB = readDB
	c.reader = reader{q: readDB}
	return c, nil
}

func (c *Catalog) initSchema() error {
	for _, stmt := range AllSchemaStatements() {
		if _, err := c.db.Exec(stmt); err != nil {
			return crdberrors.Wrapf(err, "exec %q", firstLine(stmt))
		}
	}
	if _, err := c.db.Exec(SeedSequenceSQL, firstOID-1); err != nil {
		return crdberrors.Wrap(err, "seed relation sequence")
	}
	return nil
}

// Path returns the database file path.
func (c *Catalog) Path() string {
	return c.path
}

// Bus returns the bus committed changes are published on.
func (c *Catalog) Bus() *inval.Bus {
	return c.bus
}

// BeginTx starts a write transaction. Only one write transaction runs at a
// time; others wait up to the busy timeout.
func (c *Catalog) BeginTx(ctx context.Context) (*Tx, error) {
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, perrors.NewCatalogError(perrors.CodeQueryFailed, "begin catalog transaction", err)
	}
	return &Tx{reader: reader{q: sqlTx}, tx: sqlTx, bus: c.bus}, nil
}

// Ping checks that both the write connection and the read pool respond.
func (c *Catalog) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return perrors.NewCatalogError(perrors.CodeQueryFailed, "ping catalog", err)
	}
	if err := c.readDB.PingContext(ctx); err != nil {
		return perrors.NewCatalogError(perrors.CodeQueryFailed, "ping catalog read pool", err)
	}
	return nil
}

// Close closes the catalog database connections.
func (c *Catalog) Close() error {
	var err error
	if c.readDB != nil {
		err = c.readDB.Close()
	}
	return crdberrors.CombineErrors(err, c.db.Close())
}

// reader implements Reader over any querier.
type reader struct {
	q querier
}

func (r reader) ReadConfigRows(ctx context.Context) ([]types.ConfigRow, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT partrel, parttype, attname, COALESCE(range_interval, '') FROM partition_config ORDER BY partrel`)
	if err != nil {
		return nil, queryFailed("read config rows", err)
	}
	defer rows.Close()

	var out []types.ConfigRow
	for rows.Next() {
		row, err := scanConfigRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("read config rows", err)
	}
	return out, nil
}

func (r reader) ConfigRow(ctx context.Context, table types.OID) (types.ConfigRow, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT partrel, parttype, attname, COALESCE(range_interval, '') FROM partition_config WHERE partrel = ?`, table)
	cfg, err := scanConfigRow(row)
	if crdberrors.Is(err, sql.ErrNoRows) {
		return types.ConfigRow{}, notFound("config row for relation %d", table)
	}
	return cfg, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConfigRow(s scanner) (types.ConfigRow, error) {
	var (
		row      types.ConfigRow
		strategy string
	)
	if err := s.Scan(&row.Table, &strategy, &row.KeyAttribute, &row.RangeInterval); err != nil {
		if crdberrors.Is(err, sql.ErrNoRows) {
			return row, err
		}
		return row, queryFailed("scan config row", err)
	}
	parsed, err := types.ParseStrategy(strategy)
	if err != nil {
		return row, perrors.NewConfigurationError(perrors.CodeInvalidConstraint,
			fmt.Sprintf("relation %d has an invalid strategy", row.Table), err)
	}
	row.Strategy = parsed
	return row, nil
}

func (r reader) ListDirectChildren(ctx context.Context, parent types.OID) ([]types.OID, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT child FROM inherits WHERE parent = ? ORDER BY child`, parent)
	if err != nil {
		return nil, queryFailed("list children", err)
	}
	defer rows.Close()

	children := make([]types.OID, 0)
	for rows.Next() {
		var child types.OID
		if err := rows.Scan(&child); err != nil {
			return nil, queryFailed("scan child", err)
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("list children", err)
	}
	return children, nil
}

func (r reader) ParentOf(ctx context.Context, child types.OID) (types.OID, bool, error) {
	var parent types.OID
	err := r.q.QueryRowContext(ctx, `SELECT parent FROM inherits WHERE child = ?`, child).Scan(&parent)
	if crdberrors.Is(err, sql.ErrNoRows) {
		return types.InvalidOID, false, nil
	}
	if err != nil {
		return types.InvalidOID, false, queryFailed("read parent", err)
	}
	return parent, true, nil
}

func (r reader) Relation(ctx context.Context, oid types.OID) (*Relation, error) {
	return r.scanRelation(r.q.QueryRowContext(ctx, `SELECT oid, name, created_at FROM relations WHERE oid = ?`, oid),
		fmt.Sprintf("relation %d", oid))
}

func (r reader) RelationByName(ctx context.Context, name string) (*Relation, error) {
	return r.scanRelation(r.q.QueryRowContext(ctx, `SELECT oid, name, created_at FROM relations WHERE name = ?`, name),
		fmt.Sprintf("relation %q", name))
}

func (r reader) scanRelation(row *sql.Row, what string) (*Relation, error) {
	var (
		rel     Relation
		created int64
	)
	err := row.Scan(&rel.OID, &rel.Name, &created)
	if crdberrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("%s", what)
	}
	if err != nil {
		return nil, queryFailed("read "+what, err)
	}
	rel.CreatedAt = timeFromNanos(created)
	return &rel, nil
}

func (r reader) Attribute(ctx context.Context, rel types.OID, name string) (*Attribute, error) {
	var attr Attribute
	err := r.q.QueryRowContext(ctx,
		`SELECT relid, attnum, name, type_id FROM attributes WHERE relid = ? AND name = ?`, rel, name).
		Scan(&attr.Relation, &attr.Number, &attr.Name, &attr.Type)
	if crdberrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("attribute %q of relation %d", name, rel)
	}
	if err != nil {
		return nil, queryFailed("read attribute", err)
	}
	return &attr, nil
}

func (r reader) Attributes(ctx context.Context, rel types.OID) ([]Attribute, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT relid, attnum, name, type_id FROM attributes WHERE relid = ? ORDER BY attnum`, rel)
	if err != nil {
		return nil, queryFailed("list attributes", err)
	}
	defer rows.Close()

	var out []Attribute
	for rows.Next() {
		var attr Attribute
		if err := rows.Scan(&attr.Relation, &attr.Number, &attr.Name, &attr.Type); err != nil {
			return nil, queryFailed("scan attribute", err)
		}
		out = append(out, attr)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("list attributes", err)
	}
	return out, nil
}

func (r reader) Constraint(ctx context.Context, rel types.OID, name string) (*Constraint, error) {
	var con Constraint
	err := r.q.QueryRowContext(ctx,
		`SELECT relid, name, definition FROM constraints WHERE relid = ? AND name = ?`, rel, name).
		Scan(&con.Relation, &con.Name, &con.Definition)
	if crdberrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("constraint %q of relation %d", name, rel)
	}
	if err != nil {
		return nil, queryFailed("read constraint", err)
	}
	return &con, nil
}

func notFound(format string, args ...interface{}) error {
	return perrors.NewCatalogError(perrors.CodeNotFound, fmt.Sprintf(format, args...)+" not found", nil)
}

func queryFailed(what string, err error) error {
	var se sqlite3.Error
	if crdberrors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return perrors.NewCatalogError(perrors.CodeDuplicate, what, err)
	}
	return perrors.NewCatalogError(perrors.CodeQueryFailed, what, err)
}

// IsNotFound reports whether err is a catalog lookup miss.
func IsNotFound(err error) bool {
	return perrors.GetCategory(err) == perrors.ErrCategoryCatalog && perrors.GetCode(err) == perrors.CodeNotFound
}

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
