package storage

import (
	"os"
	"strconv"
	"time"

	"crucible/pkg/errkind"
)

// BackendKind discriminates the recognized backend configuration
// variants.
type BackendKind string

const (
	BackendMemory  BackendKind = "memory"
	BackendFile    BackendKind = "file_based"
	BackendBadger  BackendKind = "embedded_db"
	BackendCustom  BackendKind = "custom"
)

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	MemoryLimit          int64 // bytes; 0 means unlimited
	EnableLRUEviction     bool
	EnableStatsTracking   bool
}

// FileConfig configures the on-disk file-tree backend.
type FileConfig struct {
	Directory          string
	CreateIfMissing    bool
	EnableCompression  bool
	SizeLimit          int64 // bytes; 0 means unlimited
}

// BadgerConfig configures the embedded-DB backend.
type BadgerConfig struct {
	ConnectionString   string // directory badger opens, reusing the original's connection_string key
	Namespace          string
	Database           string
	ConnectionTimeout  time.Duration
	MaxConnections     int
}

// CustomConfig wraps an opaque, already-constructed backend handle
// supplied by the caller (e.g. for tests, or integration points the
// core does not define).
type CustomConfig struct {
	Handle ContentAddressedStorage
}

// Config discriminates which backend variant to construct. Exactly one
// of the typed fields is meaningful, selected by Kind.
type Config struct {
	Kind   BackendKind
	Memory MemoryConfig
	File   FileConfig
	Badger BadgerConfig
	Custom CustomConfig
}

// Validate checks a Config for internal consistency without
// constructing any backend resources. Factory.Build calls this first
// and never partially constructs a backend on a validation failure.
func (c Config) Validate() error {
	switch c.Kind {
	case BackendMemory:
		if c.Memory.MemoryLimit < 0 {
			return errkind.New(errkind.Configuration, "memory_limit must be >= 0")
		}
		if c.Memory.EnableLRUEviction && c.Memory.MemoryLimit == 0 {
			return errkind.New(errkind.Configuration, "enable_lru_eviction requires a non-zero memory_limit")
		}
		return nil
	case BackendFile:
		if c.File.Directory == "" {
			return errkind.New(errkind.Configuration, "file backend requires a non-empty directory")
		}
		return nil
	case BackendBadger:
		if c.Badger.ConnectionString == "" {
			return errkind.New(errkind.Configuration, "embedded_db backend requires a non-empty connection_string")
		}
		if c.Badger.MaxConnections < 0 {
			return errkind.New(errkind.Configuration, "max_connections must be >= 0")
		}
		return nil
	case BackendCustom:
		if c.Custom.Handle == nil {
			return errkind.New(errkind.Configuration, "custom backend requires a non-nil handle")
		}
		return nil
	default:
		return errkind.New(errkind.Configuration, "unrecognized storage backend kind: "+string(c.Kind))
	}
}

// FromEnv builds a Config from the fixed environment-variable schema
// named in spec.md §6: STORAGE_BACKEND selects the variant, additional
// STORAGE_* variables configure it. Unset variables take zero values,
// except STORAGE_ENABLE_STATS_TRACKING and STORAGE_CREATE_IF_MISSING,
// which default to true; Validate is left to the caller (Factory.Build
// calls it).
//
// Reference: spec.md §4.2 ("env-driven constructor with a fixed
// variable schema")
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	kindStr, _ := lookup("STORAGE_BACKEND")
	switch kindStr {
	case "", "in_memory":
		cfg := Config{Kind: BackendMemory}
		if v, ok := lookup("STORAGE_MEMORY_LIMIT"); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Config{}, errkind.Wrap(errkind.Configuration, "STORAGE_MEMORY_LIMIT must be an integer", err)
			}
			cfg.Memory.MemoryLimit = n
		}
		if v, ok := lookup("STORAGE_ENABLE_LRU_EVICTION"); ok {
			cfg.Memory.EnableLRUEviction = v == "true" || v == "1"
		}
		if v, ok := lookup("STORAGE_ENABLE_STATS_TRACKING"); ok {
			cfg.Memory.EnableStatsTracking = v == "true" || v == "1"
		} else {
			cfg.Memory.EnableStatsTracking = true
		}
		return cfg, nil

	case "file_based":
		cfg := Config{Kind: BackendFile}
		cfg.File.Directory, _ = lookup("STORAGE_DIRECTORY")
		cfg.File.CreateIfMissing = true
		if v, ok := lookup("STORAGE_CREATE_IF_MISSING"); ok {
			cfg.File.CreateIfMissing = v == "true" || v == "1"
		}
		if v, ok := lookup("STORAGE_ENABLE_COMPRESSION"); ok {
			cfg.File.EnableCompression = v == "true" || v == "1"
		}
		if v, ok := lookup("STORAGE_SIZE_LIMIT"); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Config{}, errkind.Wrap(errkind.Configuration, "STORAGE_SIZE_LIMIT must be an integer", err)
			}
			cfg.File.SizeLimit = n
		}
		return cfg, nil

	case "embedded_db":
		cfg := Config{Kind: BackendBadger}
		cfg.Badger.ConnectionString, _ = lookup("STORAGE_CONNECTION_STRING")
		cfg.Badger.Namespace, _ = lookup("STORAGE_NAMESPACE")
		cfg.Badger.Database, _ = lookup("STORAGE_DATABASE")
		if v, ok := lookup("STORAGE_CONNECTION_TIMEOUT"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, errkind.Wrap(errkind.Configuration, "STORAGE_CONNECTION_TIMEOUT must be an integer number of seconds", err)
			}
			cfg.Badger.ConnectionTimeout = time.Duration(n) * time.Second
		}
		if v, ok := lookup("STORAGE_MAX_CONNECTIONS"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, errkind.Wrap(errkind.Configuration, "STORAGE_MAX_CONNECTIONS must be an integer", err)
			}
			cfg.Badger.MaxConnections = n
		}
		return cfg, nil

	case "custom":
		// A custom backend handle cannot be constructed from environment
		// strings alone; the caller must populate Config.Custom.Handle
		// themselves. FromEnv records the intent so Validate reports a
		// clear Configuration error rather than silently defaulting.
		return Config{Kind: BackendCustom}, nil

	default:
		return Config{}, errkind.New(errkind.Configuration, "unrecognized STORAGE_BACKEND: "+kindStr)
	}
}
