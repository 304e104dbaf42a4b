// Package config loads the tangram server's configuration from flags,
// environment variables, and an optional config file, following the
// precedence flags > env > file > defaults used throughout the pack
// (github.com/spf13/viper bound to github.com/spf13/cobra flags).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tangram.dev/tangram/pkg/log"
)

// StoreConfig selects and configures the Store backend (§4.1).
type StoreConfig struct {
	Backend string // memory | bolt | s3 | cassandra

	BoltPath string

	S3Bucket   string
	S3Region   string
	S3Endpoint string

	CassandraHosts    []string
	CassandraKeyspace string
}

// IndexConfig selects and configures the Index backend (§4.2.2).
type IndexConfig struct {
	Backend string // bolt | fdb

	BoltPath string

	FDBClusterFile string
	// FDBSubspace namespaces this server's keys within a shared FDB
	// cluster; defaults to "tangram/index" when empty.
	FDBSubspace string
}

// DatabaseConfig configures the relational Database component (§2).
type DatabaseConfig struct {
	Driver string // sqlite | postgres
	DSN    string
}

// MessengerConfig configures the durable-stream Messenger component.
type MessengerConfig struct {
	Backend string // memory | nats
	NATSURL string
}

// HTTPConfig configures the external RPC surface (§6.1).
type HTTPConfig struct {
	Network string // tcp | unix
	Address string
}

// RuntimeConfig configures the process runtime (§4.6).
type RuntimeConfig struct {
	Concurrency      int
	HeartbeatPeriod  time.Duration
	HeartbeatTTL     time.Duration
	ContainerdSocket string
}

// IndexerConfig configures the propagation-queue drain loop (§4.3).
type IndexerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// CleanerConfig configures the cleaner task (§4.7).
type CleanerConfig struct {
	Interval  time.Duration
	TTL       time.Duration
	BatchSize int
}

// ChunkerConfig configures checkin's content-defined chunker (§4.5).
type ChunkerConfig struct {
	MinSize uint64
	AvgSize uint64
	MaxSize uint64
}

// Config is the fully resolved server configuration.
type Config struct {
	DataDir  string
	Host     string
	LogLevel log.Level
	LogJSON  bool

	Store     StoreConfig
	Index     IndexConfig
	Database  DatabaseConfig
	Messenger MessengerConfig
	HTTP      HTTPConfig
	Runtime   RuntimeConfig
	Indexer   IndexerConfig
	Cleaner   CleanerConfig
	Chunker   ChunkerConfig
}

// BindFlags registers the server's persistent flags on cmd and binds
// each to its viper key, following the eve cli.RootCmd precedence
// pattern (flags override environment, which overrides the config
// file, which overrides these defaults).
func BindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	flags.String("config", "", "path to a tangram server config file")
	flags.String("data-dir", "", "server data directory")
	flags.String("host", "", "this server's host identity, matched against a command's Host field (§4.6); defaults to os.Hostname()")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit structured JSON logs")

	flags.String("store-backend", "memory", "store backend (memory, bolt, s3, cassandra)")
	flags.String("store-bolt-path", "", "path to the embedded store's bbolt file")
	flags.String("store-s3-bucket", "", "S3-compatible bucket for the store backend")
	flags.String("store-s3-region", "", "region for the S3-compatible store backend")
	flags.String("store-s3-endpoint", "", "custom endpoint for the S3-compatible store backend")
	flags.StringSlice("store-cassandra-hosts", nil, "Cassandra-family contact points for the store backend")
	flags.String("store-cassandra-keyspace", "tangram", "Cassandra keyspace for the store backend")

	flags.String("index-backend", "bolt", "index backend (bolt, fdb)")
	flags.String("index-bolt-path", "", "path to the embedded index's bbolt file")
	flags.String("index-fdb-cluster-file", "", "FoundationDB cluster file for the index backend")
	flags.String("index-fdb-subspace", "tangram/index", "key subspace prefix for the FoundationDB index backend")

	flags.String("database-driver", "sqlite", "relational database driver (sqlite, postgres)")
	flags.String("database-dsn", "", "relational database DSN")

	flags.String("messenger-backend", "memory", "messenger backend (memory, nats)")
	flags.String("messenger-nats-url", "", "NATS server URL for the messenger backend")

	flags.String("http-network", "tcp", "HTTP listener network (tcp, unix)")
	flags.String("http-address", ":8476", "HTTP listener address or socket path")

	flags.Int("runtime-concurrency", 4, "maximum concurrently running processes")
	flags.Duration("runtime-heartbeat-period", 5*time.Second, "process heartbeat emission period")
	flags.Duration("runtime-heartbeat-ttl", 30*time.Second, "process heartbeat watchdog TTL")
	flags.String("runtime-containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")

	flags.Duration("indexer-interval", 100*time.Millisecond, "interval between propagation-queue drain batches")
	flags.Int("indexer-batch-size", 256, "number of propagation-queue entries drained per indexer batch")

	flags.Duration("cleaner-interval", time.Minute, "interval between cleaner sweeps")
	flags.Duration("cleaner-ttl", 7*24*time.Hour, "minimum idle age before a zero-refcount node is eligible for deletion")
	flags.Int("cleaner-batch-size", 256, "number of Clean-index entries scanned per cleaner batch")

	flags.Uint64("chunker-min-size", 8*1024, "minimum content-defined chunk size in bytes")
	flags.Uint64("chunker-avg-size", 64*1024, "target average content-defined chunk size in bytes")
	flags.Uint64("chunker-max-size", 256*1024, "maximum content-defined chunk size in bytes")

	for _, name := range []string{
		"data-dir", "host", "log-level", "log-json",
		"store-backend", "store-bolt-path", "store-s3-bucket", "store-s3-region", "store-s3-endpoint",
		"store-cassandra-hosts", "store-cassandra-keyspace",
		"index-backend", "index-bolt-path", "index-fdb-cluster-file", "index-fdb-subspace",
		"database-driver", "database-dsn",
		"messenger-backend", "messenger-nats-url",
		"http-network", "http-address",
		"runtime-concurrency", "runtime-heartbeat-period", "runtime-heartbeat-ttl", "runtime-containerd-socket",
		"indexer-interval", "indexer-batch-size",
		"cleaner-interval", "cleaner-ttl", "cleaner-batch-size",
		"chunker-min-size", "chunker-avg-size", "chunker-max-size",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("tangram")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load reads the config file named by --config (if any) into viper and
// resolves the final Config from flags, environment, file, and defaults.
func Load(cmd *cobra.Command) (*Config, error) {
	if file, _ := cmd.PersistentFlags().GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		DataDir:  viper.GetString("data-dir"),
		Host:     viper.GetString("host"),
		LogLevel: log.Level(viper.GetString("log-level")),
		LogJSON:  viper.GetBool("log-json"),
		Store: StoreConfig{
			Backend:           viper.GetString("store-backend"),
			BoltPath:          viper.GetString("store-bolt-path"),
			S3Bucket:          viper.GetString("store-s3-bucket"),
			S3Region:          viper.GetString("store-s3-region"),
			S3Endpoint:        viper.GetString("store-s3-endpoint"),
			CassandraHosts:    viper.GetStringSlice("store-cassandra-hosts"),
			CassandraKeyspace: viper.GetString("store-cassandra-keyspace"),
		},
		Index: IndexConfig{
			Backend:        viper.GetString("index-backend"),
			BoltPath:       viper.GetString("index-bolt-path"),
			FDBClusterFile: viper.GetString("index-fdb-cluster-file"),
			FDBSubspace:    viper.GetString("index-fdb-subspace"),
		},
		Database: DatabaseConfig{
			Driver: viper.GetString("database-driver"),
			DSN:    viper.GetString("database-dsn"),
		},
		Messenger: MessengerConfig{
			Backend: viper.GetString("messenger-backend"),
			NATSURL: viper.GetString("messenger-nats-url"),
		},
		HTTP: HTTPConfig{
			Network: viper.GetString("http-network"),
			Address: viper.GetString("http-address"),
		},
		Runtime: RuntimeConfig{
			Concurrency:      viper.GetInt("runtime-concurrency"),
			HeartbeatPeriod:  viper.GetDuration("runtime-heartbeat-period"),
			HeartbeatTTL:     viper.GetDuration("runtime-heartbeat-ttl"),
			ContainerdSocket: viper.GetString("runtime-containerd-socket"),
		},
		Indexer: IndexerConfig{
			Interval:  viper.GetDuration("indexer-interval"),
			BatchSize: viper.GetInt("indexer-batch-size"),
		},
		Cleaner: CleanerConfig{
			Interval:  viper.GetDuration("cleaner-interval"),
			TTL:       viper.GetDuration("cleaner-ttl"),
			BatchSize: viper.GetInt("cleaner-batch-size"),
		},
		Chunker: ChunkerConfig{
			MinSize: viper.GetUint64("chunker-min-size"),
			AvgSize: viper.GetUint64("chunker-avg-size"),
			MaxSize: viper.GetUint64("chunker-max-size"),
		},
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("--data-dir is required")
	}
	return cfg, nil
}
