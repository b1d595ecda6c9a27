package storage_test

import (
	"testing"

	"crucible/pkg/storage"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnvDefaultsToMemory(t *testing.T) {
	cfg, err := storage.FromEnv(lookupFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kind != storage.BackendMemory {
		t.Fatalf("expected memory backend by default, got %s", cfg.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate: %v", err)
	}
}

func TestFromEnvFileBacked(t *testing.T) {
	cfg, err := storage.FromEnv(lookupFrom(map[string]string{
		"STORAGE_BACKEND":            "file_based",
		"STORAGE_DIRECTORY":          "/tmp/kiln-storage",
		"STORAGE_ENABLE_COMPRESSION": "true",
		"STORAGE_SIZE_LIMIT":         "1024",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kind != storage.BackendFile {
		t.Fatalf("expected file backend, got %s", cfg.Kind)
	}
	if cfg.File.Directory != "/tmp/kiln-storage" || !cfg.File.EnableCompression || cfg.File.SizeLimit != 1024 {
		t.Fatalf("unexpected file config: %+v", cfg.File)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to validate: %v", err)
	}
}

func TestFromEnvEmbeddedDB(t *testing.T) {
	cfg, err := storage.FromEnv(lookupFrom(map[string]string{
		"STORAGE_BACKEND":            "embedded_db",
		"STORAGE_CONNECTION_STRING":  "/tmp/kiln.badger",
		"STORAGE_NAMESPACE":          "default",
		"STORAGE_DATABASE":           "kiln",
		"STORAGE_CONNECTION_TIMEOUT": "30",
		"STORAGE_MAX_CONNECTIONS":    "10",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kind != storage.BackendBadger {
		t.Fatalf("expected embedded_db backend, got %s", cfg.Kind)
	}
	if cfg.Badger.ConnectionString != "/tmp/kiln.badger" || cfg.Badger.Namespace != "default" || cfg.Badger.Database != "kiln" {
		t.Fatalf("unexpected badger config: %+v", cfg.Badger)
	}
	if cfg.Badger.MaxConnections != 10 {
		t.Fatalf("expected max connections 10, got %d", cfg.Badger.MaxConnections)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to validate: %v", err)
	}
}

func TestFromEnvRejectsUnrecognizedBackend(t *testing.T) {
	_, err := storage.FromEnv(lookupFrom(map[string]string{"STORAGE_BACKEND": "bogus"}))
	if err == nil {
		t.Fatalf("expected an error for an unrecognized backend kind")
	}
}
