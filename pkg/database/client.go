// Package database provides the Cassandra cluster client and schema
// migration utilities for the shared astarte keyspace. Realm keyspaces are
// provisioned by the housekeeping service; this package only bootstraps the
// shared tables and hands out the session the queries layer runs on.
package database

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/cassandra"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// keyspaceRegex guards keyspace interpolation in DDL statements.
var keyspaceRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Config holds cluster connection settings.
type Config struct {
	Nodes    []string
	Username string
	Password string
	Keyspace string

	ConnectTimeout time.Duration
	Timeout        time.Duration

	// RunMigrations creates the keyspace (simple strategy, for local and
	// test clusters) and applies the embedded migrations on startup.
	RunMigrations bool
}

// Client wraps the shared gocql session.
type Client struct {
	session  *gocql.Session
	keyspace string
}

// Session returns the underlying session for the queries layer.
func (c *Client) Session() *gocql.Session {
	return c.session
}

// NewClientFromSession wraps an existing session (useful for testing).
func NewClientFromSession(session *gocql.Session, keyspace string) *Client {
	return &Client{session: session, keyspace: keyspace}
}

// NewClient connects to the cluster and optionally applies migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if !keyspaceRegex.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("invalid keyspace name %q", cfg.Keyspace)
	}

	cluster := newCluster(cfg)
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	client := &Client{session: session, keyspace: cfg.Keyspace}
	if cfg.RunMigrations {
		if err := client.migrate(ctx); err != nil {
			session.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return client, nil
}

// newCluster builds the cluster configuration. The session carries no
// default keyspace: every statement of the plant is keyspace-qualified, the
// realm ones dynamically.
func newCluster(cfg Config) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.ProtoVersion = 4
	cluster.Consistency = gocql.LocalQuorum
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster
}

// Close shuts the session down.
func (c *Client) Close() {
	c.session.Close()
}

// migrate creates the shared keyspace when missing and applies all pending
// embedded migrations.
func (c *Client) migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1} AND durable_writes = true`, c.keyspace)
	if err := c.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", c.keyspace, err)
	}

	driver, err := cassandra.WithInstance(c.session, &cassandra.Config{
		KeyspaceName:          c.keyspace,
		MultiStatementEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create cassandra migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, c.keyspace, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver: closing the migrate instance would also
	// close the shared gocql session.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
