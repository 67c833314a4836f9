package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// Role is the role of the Geo node in the deployment.
type Role string

const (
	// RolePrimary is the single writable site.
	RolePrimary Role = "primary"
	// RoleSecondary is a read-replica site that syncs data from the primary.
	RoleSecondary Role = "secondary"
)

// Duration is a time.Duration that can be decoded from a TOML string like "8h".
type Duration time.Duration

// Duration returns the value as time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(td)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Logging contains logging configuration values.
type Logging struct {
	Format string `toml:"format,omitempty" envconfig:"format"`
	Level  string `toml:"level,omitempty" envconfig:"level"`
}

// Sentry contains the error reporting configuration.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty" envconfig:"dsn"`
	Environment string `toml:"sentry_environment,omitempty" envconfig:"environment"`
}

// DB holds database configuration data of the tracking database.
type DB struct {
	Host        string `toml:"host,omitempty" envconfig:"host"`
	Port        int    `toml:"port,omitempty" envconfig:"port"`
	User        string `toml:"user,omitempty" envconfig:"user"`
	Password    string `toml:"password,omitempty" envconfig:"password"`
	DBName      string `toml:"dbname,omitempty" envconfig:"dbname"`
	SSLMode     string `toml:"sslmode,omitempty" envconfig:"sslmode"`
	SSLCert     string `toml:"sslcert,omitempty" envconfig:"sslcert"`
	SSLKey      string `toml:"sslkey,omitempty" envconfig:"sslkey"`
	SSLRootCert string `toml:"sslrootcert,omitempty" envconfig:"sslrootcert"`
}

// Redis configures the shared Redis instance used for leases, cursors and
// housekeeping counters.
type Redis struct {
	URL      string `toml:"url,omitempty" envconfig:"url"`
	Password string `toml:"password,omitempty" envconfig:"password"`
	DB       int    `toml:"db,omitempty" envconfig:"db"`
}

// Enabled reports whether Redis is configured.
func (r Redis) Enabled() bool { return r.URL != "" }

// Queue configures the job queue backend.
type Queue struct {
	// Type is one of memory, redis, nats or kafka.
	Type           string   `toml:"type,omitempty" envconfig:"type"`
	URL            string   `toml:"url,omitempty" envconfig:"url"`
	RedisStream    string   `toml:"redis_stream,omitempty" envconfig:"redis_stream"`
	RedisGroup     string   `toml:"redis_group,omitempty" envconfig:"redis_group"`
	KafkaBrokers   []string `toml:"kafka_brokers,omitempty" envconfig:"kafka_brokers"`
	KafkaGroupID   string   `toml:"kafka_group_id,omitempty" envconfig:"kafka_group_id"`
	SubjectPrefix  string   `toml:"subject_prefix,omitempty" envconfig:"subject_prefix"`
	HandlerTimeout Duration `toml:"handler_timeout,omitempty" envconfig:"handler_timeout"`
}

// Lease configures where exclusive leases are stored.
type Lease struct {
	// Store is one of memory, redis or postgres.
	Store string `toml:"store,omitempty" envconfig:"store"`
}

// Primary describes how a secondary reaches the primary site.
type Primary struct {
	URL string `toml:"url,omitempty" envconfig:"url"`
	// Secret is the shared secret used to sign transfer requests.
	Secret string `toml:"secret,omitempty" envconfig:"secret"`
	// HasSecondaries must be set on the primary for events to be published.
	HasSecondaries bool `toml:"has_secondaries,omitempty" envconfig:"has_secondaries"`
}

// Node describes the local Geo node.
type Node struct {
	Name string `toml:"name,omitempty" envconfig:"name"`
	Role Role   `toml:"role,omitempty" envconfig:"role"`
}

// Storage holds the local paths replicated data is written to.
type Storage struct {
	RepositoriesPath string `toml:"repositories_path,omitempty" envconfig:"repositories_path"`
	FilesPath        string `toml:"files_path,omitempty" envconfig:"files_path"`
	GitBinary        string `toml:"git_binary,omitempty" envconfig:"git_binary"`
}

// Sync configures the sync services and the backlog scheduler.
type Sync struct {
	// Capacity is the number of concurrent sync jobs scheduled per tick.
	Capacity        int      `toml:"capacity,omitempty" envconfig:"capacity"`
	BacklogInterval Duration `toml:"backlog_interval,omitempty" envconfig:"backlog_interval"`
	// Timeout is how long a registry may stay in the started state.
	Timeout Duration `toml:"timeout,omitempty" envconfig:"timeout"`
}

// Verification configures the verification state machine workers.
type Verification struct {
	BatchSize              int      `toml:"batch_size,omitempty" envconfig:"batch_size"`
	Interval               Duration `toml:"interval,omitempty" envconfig:"interval"`
	ReverificationInterval Duration `toml:"reverification_interval,omitempty" envconfig:"reverification_interval"`
	Timeout                Duration `toml:"timeout,omitempty" envconfig:"timeout"`
}

// Consistency configures the registry consistency backfill.
type Consistency struct {
	BatchSize int      `toml:"batch_size,omitempty" envconfig:"batch_size"`
	Interval  Duration `toml:"interval,omitempty" envconfig:"interval"`
}

// Housekeeping configures how often git maintenance runs after syncs.
type Housekeeping struct {
	Enabled                 bool `toml:"enabled,omitempty" envconfig:"enabled"`
	IncrementalRepackPeriod int  `toml:"incremental_repack_period,omitempty" envconfig:"incremental_repack_period"`
	FullRepackPeriod        int  `toml:"full_repack_period,omitempty" envconfig:"full_repack_period"`
	GCPeriod                int  `toml:"gc_period,omitempty" envconfig:"gc_period"`
}

// Config is a container for everything found in the TOML config file.
type Config struct {
	PrometheusListenAddr string       `toml:"prometheus_listen_addr,omitempty" envconfig:"prometheus_listen_addr"`
	Logging              Logging      `toml:"logging,omitempty" envconfig:"logging"`
	Sentry               Sentry       `toml:"sentry,omitempty" envconfig:"sentry"`
	DB                   DB           `toml:"database,omitempty" envconfig:"database"`
	MainDB               DB           `toml:"main_database,omitempty" envconfig:"main_database"`
	Redis                Redis        `toml:"redis,omitempty" envconfig:"redis"`
	Queue                Queue        `toml:"queue,omitempty" envconfig:"queue"`
	Lease                Lease        `toml:"lease,omitempty" envconfig:"lease"`
	Primary              Primary      `toml:"primary,omitempty" envconfig:"primary"`
	Node                 Node         `toml:"node,omitempty" envconfig:"node"`
	Storage              Storage      `toml:"storage,omitempty" envconfig:"storage"`
	Sync                 Sync         `toml:"sync,omitempty" envconfig:"sync"`
	Verification         Verification `toml:"verification,omitempty" envconfig:"verification"`
	Consistency          Consistency  `toml:"consistency,omitempty" envconfig:"consistency"`
	Housekeeping         Housekeeping `toml:"housekeeping,omitempty" envconfig:"housekeeping"`
	// Replicables lists the replicable names that are enabled. Empty enables all of them.
	Replicables         []string `toml:"replicables,omitempty" envconfig:"replicables"`
	GracefulStopTimeout Duration `toml:"graceful_stop_timeout,omitempty" envconfig:"graceful_stop_timeout"`
}

// FromFile loads the config for the passed file path.
func FromFile(filePath string) (Config, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return Load(f)
}

// Load decodes the TOML configuration and applies environment overrides. Variables
// prefixed with GEO_ take precedence over the file, e.g. GEO_DATABASE_HOST.
func Load(r io.Reader) (Config, error) {
	conf := Default()

	if err := toml.NewDecoder(r).Decode(&conf); err != nil {
		return Config{}, fmt.Errorf("load toml: %w", err)
	}

	if err := envconfig.Process("geo", &conf); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	conf.setDefaults()

	return conf, nil
}

// Default returns a configuration with every default value set.
func Default() Config {
	return Config{
		Node:  Node{Role: RoleSecondary},
		Queue: Queue{Type: "memory", HandlerTimeout: Duration(9 * time.Hour)},
		Lease: Lease{Store: "memory"},
		Sync: Sync{
			Capacity:        10,
			BacklogInterval: Duration(time.Minute),
			Timeout:         Duration(8 * time.Hour),
		},
		Verification: Verification{
			BatchSize:              10,
			Interval:               Duration(time.Minute),
			ReverificationInterval: Duration(7 * 24 * time.Hour),
			Timeout:                Duration(8 * time.Hour),
		},
		Consistency: Consistency{
			BatchSize: 1000,
			Interval:  Duration(time.Minute),
		},
		Housekeeping: Housekeeping{
			Enabled:                 true,
			IncrementalRepackPeriod: 10,
			FullRepackPeriod:        50,
			GCPeriod:                200,
		},
		Storage:             Storage{GitBinary: "git"},
		GracefulStopTimeout: Duration(time.Minute),
	}
}

func (c *Config) setDefaults() {
	if c.Queue.Type == "" {
		c.Queue.Type = "memory"
	}
	c.Queue.Type = strings.ToLower(c.Queue.Type)

	if c.Lease.Store == "" {
		c.Lease.Store = "memory"
	}

	if c.Storage.GitBinary == "" {
		c.Storage.GitBinary = "git"
	}

	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}
}

var (
	errNoNodeName          = errors.New("node name is not configured")
	errInvalidRole         = errors.New("node role must be primary or secondary")
	errNoPrimaryURL        = errors.New("secondary nodes must configure the primary url")
	errNoPrimarySecret     = errors.New("secondary nodes must configure the primary secret")
	errNoRepositoriesPath  = errors.New("storage repositories_path is not configured")
	errNoFilesPath         = errors.New("storage files_path is not configured")
	errRedisRequired       = errors.New("redis url must be configured for the redis backends")
	errNoKafkaBrokers      = errors.New("kafka queue requires kafka_brokers")
	errInvalidPeriodsOrder = errors.New("housekeeping periods must satisfy incremental <= full <= gc")
)

// Validate establishes if the config is valid.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return errNoNodeName
	}

	switch c.Node.Role {
	case RolePrimary:
	case RoleSecondary:
		if c.Primary.URL == "" {
			return errNoPrimaryURL
		}
		if c.Primary.Secret == "" {
			return errNoPrimarySecret
		}
	default:
		return fmt.Errorf("%w: %q", errInvalidRole, c.Node.Role)
	}

	if c.Storage.RepositoriesPath == "" {
		return errNoRepositoriesPath
	}

	if c.Storage.FilesPath == "" {
		return errNoFilesPath
	}

	switch c.Queue.Type {
	case "memory", "nats":
	case "redis":
		if c.Queue.URL == "" && !c.Redis.Enabled() {
			return errRedisRequired
		}
	case "kafka":
		if len(c.Queue.KafkaBrokers) == 0 {
			return errNoKafkaBrokers
		}
	default:
		return fmt.Errorf("unsupported queue type: %q", c.Queue.Type)
	}

	switch c.Lease.Store {
	case "memory", "postgres":
	case "redis":
		if !c.Redis.Enabled() {
			return errRedisRequired
		}
	default:
		return fmt.Errorf("unsupported lease store: %q", c.Lease.Store)
	}

	if c.Sync.Capacity < 1 {
		return fmt.Errorf("sync capacity was %d but must be >=1", c.Sync.Capacity)
	}

	if c.Verification.BatchSize < 1 {
		return fmt.Errorf("verification batch size was %d but must be >=1", c.Verification.BatchSize)
	}

	if c.Consistency.BatchSize < 1 {
		return fmt.Errorf("consistency batch size was %d but must be >=1", c.Consistency.BatchSize)
	}

	if c.Housekeeping.Enabled {
		hk := c.Housekeeping
		if hk.IncrementalRepackPeriod < 1 || hk.IncrementalRepackPeriod > hk.FullRepackPeriod || hk.FullRepackPeriod > hk.GCPeriod {
			return errInvalidPeriodsOrder
		}
	}

	return nil
}

// MainDatabase returns the database of the GitLab installation. On a
// secondary it is a read-only replica of the primary's. When no main database
// is configured the tracking database is used.
func (c Config) MainDatabase() DB {
	if c.MainDB.Host == "" {
		return c.DB
	}
	return c.MainDB
}

// IsPrimary reports whether the node is the primary site.
func (c Config) IsPrimary() bool { return c.Node.Role == RolePrimary }

// ReplicableEnabled reports whether the replicable is enabled on this node.
func (c Config) ReplicableEnabled(name string) bool {
	if len(c.Replicables) == 0 {
		return true
	}

	for _, enabled := range c.Replicables {
		if enabled == name {
			return true
		}
	}

	return false
}
