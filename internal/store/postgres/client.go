// Package postgres persists loop sessions, their iterations, timelines and
// the audit log in PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID keys the advisory lock that serialises migrations when
// several replicas start at once.
const migrationLockID int64 = 0x6c6f6f70 // "loop"

// ClientConfig is the [supabase] section as seen by the pool.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns cfg.DSN, or a URL assembled from the discrete fields with the
// credentials escaped.
func DSN(cfg ClientConfig) string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// Client owns the pgx pool shared by every store.
type Client struct {
	pool *pgxpool.Pool
}

// New opens the pool and pings it.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	poolCfg.ConnConfig.DialFunc = dialIPv4First

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Client{pool: pool}, nil
}

// dialIPv4First dials the host's A records before the system default. Hosted
// Postgres endpoints often publish AAAA records the runtime cannot route.
func dialIPv4First(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	host, port, err := net.SplitHostPort(addr)
	if err != nil || net.ParseIP(host) != nil {
		return d.DialContext(ctx, network, addr)
	}

	ips, lookupErr := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	for _, ip := range ips {
		if conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port)); err == nil {
			return conn, nil
		}
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("postgres: dial %s: %w", addr, errors.Join(lookupErr, err))
	}
	return conn, nil
}

// Ping checks the database connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() { c.pool.Close() }

// Stores bundles every store sharing one pool.
type Stores struct {
	Sessions   *SessionStore
	Iterations *IterationStore
	Activity   *ActivityStore
	Audit      *AuditStore
}

func (c *Client) Stores() Stores {
	return Stores{
		Sessions:   NewSessionStore(c.pool),
		Iterations: NewIterationStore(c.pool),
		Activity:   NewActivityStore(c.pool),
		Audit:      NewAuditStore(c.pool),
	}
}

// RunMigrations applies the pending embedded migrations in name order inside
// one transaction holding an advisory lock. Applied names are recorded in
// schema_migrations.
func (c *Client) RunMigrations(ctx context.Context) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return fmt.Errorf("postgres: migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
			return fmt.Errorf("postgres: schema_migrations: %w", err)
		}

		rows, err := tx.Query(ctx, "SELECT filename FROM schema_migrations")
		if err != nil {
			return fmt.Errorf("postgres: applied migrations: %w", err)
		}
		applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("postgres: applied migrations: %w", err)
		}

		for _, name := range names {
			if slices.Contains(applied, name) {
				continue
			}
			data, err := migrationsFS.ReadFile("migrations/" + name)
			if err != nil {
				return fmt.Errorf("postgres: read %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return fmt.Errorf("postgres: apply %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
				return fmt.Errorf("postgres: record %s: %w", name, err)
			}
		}
		return nil
	})
}

// migrationNames lists the embedded .sql files in apply order.
func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
