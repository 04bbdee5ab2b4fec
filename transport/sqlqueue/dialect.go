package sqlqueue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/drblury/busflow/transport"
)

// options the queue consumes itself; they never reach the database driver.
var queueOptions = []string{"topic", "table", "poll", "lock_timeout", "redeliver_delay", "max_open_conns"}

type dialect struct {
	name   string
	driver string
	// skipLocked is appended to the row-locking select.
	skipLocked string
	// rebind turns ? placeholders into the driver's syntax.
	rebind func(query string) string
	schema func(table string) []string
	source func(dsn transport.DSN) (string, error)
}

var dialects = map[string]dialect{
	"sqlite": {
		name:   "sqlite",
		driver: "sqlite3",
		rebind: func(q string) string { return q },
		schema: func(table string) []string {
			return []string{
				`CREATE TABLE IF NOT EXISTS ` + table + ` (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uuid TEXT NOT NULL,
					topic TEXT NOT NULL,
					payload BLOB NOT NULL,
					metadata TEXT NOT NULL,
					available_at INTEGER NOT NULL,
					locked_until INTEGER NOT NULL DEFAULT 0,
					deliveries INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS ` + table + `_topic_idx ON ` + table + ` (topic, available_at)`,
			}
		},
		source: sqliteSource,
	},
	"postgres": {
		name:       "postgres",
		driver:     "postgres",
		skipLocked: " FOR UPDATE SKIP LOCKED",
		rebind:     dollarPlaceholders,
		schema: func(table string) []string {
			return []string{
				`CREATE TABLE IF NOT EXISTS ` + table + ` (
					id BIGSERIAL PRIMARY KEY,
					uuid TEXT NOT NULL,
					topic TEXT NOT NULL,
					payload BYTEA NOT NULL,
					metadata TEXT NOT NULL,
					available_at BIGINT NOT NULL,
					locked_until BIGINT NOT NULL DEFAULT 0,
					deliveries INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS ` + table + `_topic_idx ON ` + table + ` (topic, available_at)`,
			}
		},
		source: func(dsn transport.DSN) (string, error) {
			return dsn.URL("postgres", queueOptions...), nil
		},
	},
	"mysql": {
		name:       "mysql",
		driver:     "mysql",
		skipLocked: " FOR UPDATE SKIP LOCKED",
		rebind:     func(q string) string { return q },
		schema: func(table string) []string {
			return []string{
				`CREATE TABLE IF NOT EXISTS ` + table + ` (
					id BIGINT AUTO_INCREMENT PRIMARY KEY,
					uuid VARCHAR(64) NOT NULL,
					topic VARCHAR(255) NOT NULL,
					payload LONGBLOB NOT NULL,
					metadata TEXT NOT NULL,
					available_at BIGINT NOT NULL,
					locked_until BIGINT NOT NULL DEFAULT 0,
					deliveries INT NOT NULL DEFAULT 0,
					INDEX ` + table + `_topic_idx (topic, available_at)
				)`,
			}
		},
		source: mysqlSource,
	},
}

func dialectFor(scheme string) (dialect, error) {
	switch scheme {
	case "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	case "postgres", "postgresql":
		return dialects["postgres"], nil
	case "mysql":
		return dialects["mysql"], nil
	}
	return dialect{}, fmt.Errorf("sqlqueue: unsupported scheme %q", scheme)
}

// sqliteSource maps sqlite:///abs/path.db, sqlite://rel.db and
// sqlite://:memory: onto go-sqlite3 file names.
func sqliteSource(dsn transport.DSN) (string, error) {
	path := dsn.Host("") + dsn.Path
	if path == "" {
		return "", fmt.Errorf("sqlqueue: sqlite dsn %q names no database file", dsn.Raw)
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000", nil
}

func mysqlSource(dsn transport.DSN) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = dsn.User
	cfg.Passwd = dsn.Password
	cfg.Net = "tcp"
	cfg.Addr = dsn.Host("localhost:3306")
	cfg.DBName = strings.TrimPrefix(dsn.Path, "/")
	cfg.ParseTime = true

	skip := make(map[string]bool, len(queueOptions))
	for _, key := range queueOptions {
		skip[key] = true
	}
	for key, value := range dsn.Options {
		if skip[key] {
			continue
		}
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		cfg.Params[key] = value
	}
	return cfg.FormatDSN(), nil
}

func dollarPlaceholders(query string) string {
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
