// Package integration runs the plant's storage and broker plumbing against
// real Cassandra and RabbitMQ instances.
// In CI (when CI_CASSANDRA_NODE / CI_AMQP_URL are set): connects to external
// service containers. In local dev: spins up shared testcontainers, started
// once per package.
package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tccassandra "github.com/testcontainers/testcontainers-go/modules/cassandra"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/database"
)

var (
	cassandraOnce sync.Once
	cassandraNode string
	cassandraErr  error

	rabbitOnce sync.Once
	rabbitURL  string
	rabbitErr  error
)

// getCassandraNode returns a host:port contact point for the shared cluster.
func getCassandraNode(t *testing.T) string {
	t.Helper()
	if node := os.Getenv("CI_CASSANDRA_NODE"); node != "" {
		t.Log("Using external Cassandra from CI_CASSANDRA_NODE")
		return node
	}

	cassandraOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Cassandra testcontainer for all tests")

		container, err := tccassandra.Run(ctx, "cassandra:4.1")
		if err != nil {
			cassandraErr = fmt.Errorf("failed to start cassandra container: %w", err)
			return
		}
		node, err := container.ConnectionHost(ctx)
		if err != nil {
			cassandraErr = fmt.Errorf("failed to get cassandra host: %w", err)
			return
		}
		cassandraNode = node
		t.Logf("Shared Cassandra container ready: %s", cassandraNode)
	})

	require.NoError(t, cassandraErr, "Failed to setup shared Cassandra container")
	return cassandraNode
}

// getAMQPURL returns a broker URL, starting the shared container if needed.
func getAMQPURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_AMQP_URL"); url != "" {
		t.Log("Using external RabbitMQ from CI_AMQP_URL")
		return url
	}

	rabbitOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared RabbitMQ testcontainer for all tests")

		container, err := tcrabbitmq.Run(ctx, "rabbitmq:3.12-management-alpine",
			testcontainers.WithWaitStrategy(
				wait.ForLog("Server startup complete").
					WithStartupTimeout(60*time.Second)))
		if err != nil {
			rabbitErr = fmt.Errorf("failed to start rabbitmq container: %w", err)
			return
		}
		url, err := container.AmqpURL(ctx)
		if err != nil {
			rabbitErr = fmt.Errorf("failed to get rabbitmq url: %w", err)
			return
		}
		rabbitURL = url
		t.Logf("Shared RabbitMQ container ready: %s", rabbitURL)
	})

	require.NoError(t, rabbitErr, "Failed to setup shared RabbitMQ container")
	return rabbitURL
}

// newSession connects a database client to the shared cluster, running the
// bootstrap migrations, and returns its session. The client is closed when
// the test ends.
func newSession(t *testing.T) *gocql.Session {
	t.Helper()
	node := getCassandraNode(t)

	client, err := database.NewClient(context.Background(), database.Config{
		Nodes:          []string{node},
		Keyspace:       "astarte",
		ConnectTimeout: 30 * time.Second,
		Timeout:        20 * time.Second,
		RunMigrations:  true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client.Session()
}

// realmSchema is the slice of the realm keyspace the plant writes to.
var realmSchema = []string{
	`CREATE TABLE %s.devices (
		device_id uuid PRIMARY KEY,
		introspection map<varchar, int>,
		introspection_minor map<varchar, int>,
		old_introspection map<varchar, int>,
		connected boolean,
		last_connection timestamp,
		last_disconnection timestamp,
		last_seen_ip inet,
		pending_empty_cache boolean,
		total_received_msgs bigint,
		total_received_bytes bigint
	)`,
	`CREATE TABLE %s.kv_store (
		group varchar,
		key varchar,
		value blob,
		PRIMARY KEY (group, key)
	)`,
	`CREATE TABLE %s.interfaces (
		name varchar,
		major_version int,
		minor_version int,
		interface_id uuid,
		storage_type int,
		storage varchar,
		type int,
		ownership int,
		aggregation int,
		PRIMARY KEY (name, major_version)
	)`,
	`CREATE TABLE %s.endpoints (
		interface_id uuid,
		endpoint_id uuid,
		endpoint varchar,
		value_type int,
		reliability int,
		retention int,
		expiry int,
		database_retention_policy int,
		database_retention_ttl int,
		allow_unset boolean,
		explicit_timestamp boolean,
		PRIMARY KEY (interface_id, endpoint_id)
	)`,
	`CREATE TABLE %s.individual_properties (
		device_id uuid,
		interface_id uuid,
		endpoint_id uuid,
		path varchar,
		reception_timestamp timestamp,
		reception_timestamp_submillis smallint,
		double_value double,
		integer_value int,
		boolean_value boolean,
		longinteger_value bigint,
		string_value varchar,
		binaryblob_value blob,
		datetime_value timestamp,
		doublearray_value list<double>,
		integerarray_value list<int>,
		booleanarray_value list<boolean>,
		longintegerarray_value list<bigint>,
		stringarray_value list<varchar>,
		binaryblobarray_value list<blob>,
		datetimearray_value list<timestamp>,
		PRIMARY KEY ((device_id, interface_id), endpoint_id, path)
	)`,
	`CREATE TABLE %s.individual_datastreams (
		device_id uuid,
		interface_id uuid,
		endpoint_id uuid,
		path varchar,
		value_timestamp timestamp,
		reception_timestamp timestamp,
		reception_timestamp_submillis smallint,
		double_value double,
		integer_value int,
		boolean_value boolean,
		longinteger_value bigint,
		string_value varchar,
		binaryblob_value blob,
		datetime_value timestamp,
		doublearray_value list<double>,
		integerarray_value list<int>,
		booleanarray_value list<boolean>,
		longintegerarray_value list<bigint>,
		stringarray_value list<varchar>,
		binaryblobarray_value list<blob>,
		datetimearray_value list<timestamp>,
		PRIMARY KEY ((device_id, interface_id, endpoint_id, path), value_timestamp, reception_timestamp, reception_timestamp_submillis)
	)`,
	`CREATE TABLE %s.simple_triggers (
		object_id uuid,
		object_type int,
		parent_trigger_id uuid,
		simple_trigger_id uuid,
		trigger_data blob,
		trigger_target blob,
		PRIMARY KEY ((object_id, object_type), parent_trigger_id, simple_trigger_id)
	)`,
}

// createRealm provisions a throwaway realm keyspace with the plant's tables
// and registers its teardown. Returns the realm name.
func createRealm(t *testing.T, session *gocql.Session) string {
	t.Helper()

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)
	realm := "test" + hex.EncodeToString(randomBytes)

	err = session.Query(fmt.Sprintf(
		`CREATE KEYSPACE %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		realm)).Exec()
	require.NoError(t, err)
	t.Logf("Created realm keyspace: %s", realm)

	for _, stmt := range realmSchema {
		require.NoError(t, session.Query(fmt.Sprintf(stmt, realm)).Exec())
	}

	t.Cleanup(func() {
		if err := session.Query(fmt.Sprintf("DROP KEYSPACE IF EXISTS %s", realm)).Exec(); err != nil {
			t.Logf("Warning: failed to drop realm keyspace %s: %v", realm, err)
		}
	})
	return realm
}
