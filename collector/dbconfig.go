package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/scottlaird/od-collector/urlmetric"
)

// DBConfig is where URL Metrics are kept, keyed by slug.
type DBConfig interface {
	Connect(context.Context) error
	// URLMetrics returns every stored URL Metric for slug, oldest
	// first.
	URLMetrics(ctx context.Context, slug string) ([]urlmetric.URLMetric, error)
	// Write stores r and deletes the URL Metrics with the evicted
	// UUIDs, atomically where the database allows it.
	Write(ctx context.Context, r Record, evicted []string) error
}

type SqlDriver struct {
	pool   *sql.DB
	driver string
	dsn    string
	table  string
}

// NewSqlDriver creates a new SqlDriver object for a specified table.
// It takes the bulk of its config from the `DB_DRIVER` and `DSN`
// environment variables.
func NewSqlDriver(table string) *SqlDriver {
	return NewSqlDriverWithDSN(os.Getenv("DB_DRIVER"), os.Getenv("DSN"), table)
}

// NewSqlDriverWithDSN is NewSqlDriver without the environment.
// driver is one of "clickhouse", "mysql", "pgx", or "sqlite".
func NewSqlDriverWithDSN(driver, dsn, table string) *SqlDriver {
	return &SqlDriver{
		driver: driver,
		dsn:    dsn,
		table:  table,
	}
}

// Connect connects to a database and validates that we're able to
// access it.
func (db *SqlDriver) Connect(ctx context.Context) error {
	pool, err := sql.Open(db.driver, db.dsn)
	if err != nil {
		return fmt.Errorf("Unable to connect to db (driver=%q): %w", db.driver, err)
	}
	if db.driver == "sqlite" {
		// SQLite only allows one writer at a time.
		pool.SetMaxOpenConns(1)
	}
	db.pool = pool

	return pool.PingContext(ctx)
}

// Close closes the connection pool.
func (db *SqlDriver) Close() error {
	if db.pool == nil {
		return nil
	}
	return db.pool.Close()
}

// rebind rewrites `?` placeholders into the driver's style.  None of
// our queries contain a literal `?`.
func (db *SqlDriver) rebind(query string) string {
	if db.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateTable creates the URL Metrics table if it doesn't already
// exist.
func (db *SqlDriver) CreateTable(ctx context.Context) error {
	var stmts []string
	switch db.driver {
	case "clickhouse":
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS " + db.table + " (" +
				"uuid String, slug String, url String, timestamp Float64, " +
				"viewport_width Int32, hostname String, client_ip String, data String" +
				") ENGINE = MergeTree ORDER BY (slug, timestamp)",
		}
	case "mysql":
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS " + db.table + " (" +
				"uuid VARCHAR(36) NOT NULL PRIMARY KEY, slug CHAR(32) NOT NULL, url TEXT NOT NULL, " +
				"timestamp DOUBLE NOT NULL, viewport_width INTEGER NOT NULL, " +
				"hostname VARCHAR(255) NOT NULL, client_ip VARCHAR(64) NOT NULL, data LONGTEXT NOT NULL, " +
				"INDEX (slug))",
		}
	default:
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS " + db.table + " (" +
				"uuid VARCHAR(36) NOT NULL PRIMARY KEY, slug CHAR(32) NOT NULL, url TEXT NOT NULL, " +
				"timestamp DOUBLE PRECISION NOT NULL, viewport_width INTEGER NOT NULL, " +
				"hostname VARCHAR(255) NOT NULL, client_ip VARCHAR(64) NOT NULL, data TEXT NOT NULL)",
			"CREATE INDEX IF NOT EXISTS " + db.table + "_slug ON " + db.table + " (slug)",
		}
	}
	for _, s := range stmts {
		if _, err := db.pool.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("Unable to create table %q: %w", db.table, err)
		}
	}
	return nil
}

// URLMetrics reads back every URL Metric stored for slug.
func (db *SqlDriver) URLMetrics(ctx context.Context, slug string) ([]urlmetric.URLMetric, error) {
	// the table name comes from a command-line flag, so I'm
	// relatively okay doing string manipulation on the query
	// here.
	query := db.rebind("SELECT data FROM " + db.table + " WHERE slug = ? ORDER BY timestamp")
	rows, err := db.pool.QueryContext(ctx, query, slug)
	if err != nil {
		return nil, fmt.Errorf("Unable to query: %w", err)
	}
	defer rows.Close()

	var out []urlmetric.URLMetric
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("Unable to scan: %w", err)
		}
		var m urlmetric.URLMetric
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			// One bad row shouldn't make the page unsampleable.
			slog.Error("Skipping unreadable URL Metric", "slug", slug, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Write inserts r and deletes the evicted URL Metrics in one
// transaction.  ClickHouse has no transactions to speak of, so there
// the statements simply run in order.
func (db *SqlDriver) Write(ctx context.Context, r Record, evicted []string) error {
	data, err := json.Marshal(r.URLMetric)
	if err != nil {
		slog.Error("Unable to marshal URL Metric", "error", err)
		return err
	}

	if db.driver == "clickhouse" {
		return db.write(ctx, db.pool, r, data, evicted)
	}

	tx, err := db.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Unable to begin transaction: %w", err)
	}
	if err := db.write(ctx, tx, r, data, evicted); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *SqlDriver) write(ctx context.Context, ex execer, r Record, data []byte, evicted []string) error {
	m := r.URLMetric
	query := db.rebind("INSERT INTO " + db.table +
		" (uuid, slug, url, timestamp, viewport_width, hostname, client_ip, data) values " +
		"(?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := ex.ExecContext(ctx, query,
		m.UUID, r.Slug, m.URL, m.Timestamp, m.Viewport.Width, r.Hostname, r.ClientIP, string(data))
	if err != nil {
		return fmt.Errorf("Unable to insert: %w", err)
	}

	if len(evicted) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(evicted)), ", ")
	args := make([]any, 0, len(evicted)+1)
	args = append(args, r.Slug)
	for _, id := range evicted {
		args = append(args, id)
	}
	query = db.rebind("DELETE FROM " + db.table + " WHERE slug = ? AND uuid IN (" + placeholders + ")")
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Unable to delete evicted URL Metrics: %w", err)
	}
	return nil
}
