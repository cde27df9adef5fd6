// Package config implements the environment-variable configuration
// surface: backing-store selection, schema bootstrap, state-pipeline
// toggles, and connection-pooling axes, with a fixed truthy/falsy value
// vocabulary.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var truthyValues = map[string]bool{
	"y": true, "yes": true, "t": true, "true": true, "on": true, "1": true,
}

var falsyValues = map[string]bool{
	"n": true, "no": true, "f": true, "false": true, "off": true, "0": true,
}

// ParseBool parses s case-insensitively as a truthy/falsy value:
// y/yes/t/true/on/1 are true; n/no/f/false/off/0 are false. ok is false
// if s matches neither set.
func ParseBool(s string) (value bool, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if truthyValues[lower] {
		return true, true
	}
	if falsyValues[lower] {
		return false, true
	}
	return false, false
}

// Bool reads an environment variable as a truthy/falsy value, returning def
// if unset or unparseable.
func Bool(name string, def bool) bool {
	raw, present := os.LookupEnv(name)
	if !present {
		return def
	}
	v, ok := ParseBool(raw)
	if !ok {
		return def
	}
	return v
}

// String reads an environment variable, returning def if unset.
func String(name string, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

// Int reads an environment variable as an integer, returning def if unset
// or unparseable.
func Int(name string, def int) int {
	raw, present := os.LookupEnv(name)
	if !present {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// Duration reads an environment variable as a Go duration string (e.g.
// "30s"), returning def if unset or unparseable.
func Duration(name string, def time.Duration) time.Duration {
	raw, present := os.LookupEnv(name)
	if !present {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return v
}

// DatastoreConfig is the environment-driven configuration surface common
// to every backing store.
type DatastoreConfig struct {
	PersistenceModule string // PERSISTENCE_MODULE: "memory" | "sqlite" | "postgres"
	CreateTables      bool   // CREATE_TABLE
	Schema            string // optional namespace qualifier for table names

	LockTimeout    time.Duration
	ConnectTimeout time.Duration
	PoolSize       int
	MaxOverflow    int
	MaxWaiting     int
	ConnMaxAge     time.Duration
	PrePing        bool

	// Per-connection idle-in-transaction bound, server-based stores only.
	IdleInTransactionTimeout time.Duration

	// File-backed (SQLite-equivalent)
	DBFile string

	// Server-based (PostgreSQL-equivalent)
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// State pipeline
	CompressorTopic string // COMPRESSOR_TOPIC: non-empty enables compression
	CipherTopic     string // CIPHER_TOPIC: non-empty enables encryption
	CipherKey       string // CIPHER_KEY: literal key material or a gocloud.dev/secrets URL
}

// LoadDatastoreConfig reads a DatastoreConfig from the process
// environment.
func LoadDatastoreConfig() DatastoreConfig {
	return DatastoreConfig{
		PersistenceModule: String("PERSISTENCE_MODULE", "memory"),
		CreateTables:      Bool("CREATE_TABLE", true),
		Schema:            String("PERSISTENCE_SCHEMA", ""),

		LockTimeout:    Duration("PERSISTENCE_LOCK_TIMEOUT", 5*time.Second),
		ConnectTimeout: Duration("PERSISTENCE_CONNECT_TIMEOUT", 5*time.Second),
		PoolSize:       Int("PERSISTENCE_POOL_SIZE", 10),
		MaxOverflow:    Int("PERSISTENCE_MAX_OVERFLOW", 5),
		MaxWaiting:     Int("PERSISTENCE_MAX_WAITING", 10),
		ConnMaxAge:     Duration("PERSISTENCE_CONN_MAX_AGE", time.Hour),
		PrePing:        Bool("PERSISTENCE_PRE_PING", true),

		IdleInTransactionTimeout: Duration("PERSISTENCE_IDLE_IN_TRANSACTION_TIMEOUT", 0),

		DBFile: String("PERSISTENCE_DB_FILE", "eventcore.db"),

		Host:     String("PERSISTENCE_HOST", "localhost"),
		Port:     Int("PERSISTENCE_PORT", 5432),
		Database: String("PERSISTENCE_DATABASE", "eventcore"),
		User:     String("PERSISTENCE_USER", ""),
		Password: String("PERSISTENCE_PASSWORD", ""),

		CompressorTopic: String("COMPRESSOR_TOPIC", ""),
		CipherTopic:     String("CIPHER_TOPIC", ""),
		CipherKey:       String("CIPHER_KEY", ""),
	}
}
