package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crucible/pkg/errkind"
	"crucible/pkg/storage"
)

// ParseError represents a parsing error in a .crucible.conf file, with
// line information.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
}

// fileValues is the flat key=value map read out of a .crucible.conf
// file, keyed by the same names as the environment variable schema.
type fileValues map[string]string

// loadFromFile parses a line-based key=value config file: blank lines
// and lines starting with "#" are skipped, every other line must be
// "key = value".
func loadFromFile(path string) (fileValues, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(fileValues)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, &ParseError{Line: lineNum, Message: "invalid line format, expected 'key = value'"}
		}
		values[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// Load resolves Config from, in precedence order, the process
// environment, a .crucible.conf file at confPath (if non-empty and
// present), and Defaults(). It never partially applies a source: a
// malformed conf file or an invalid STORAGE_* combination fails the
// whole load.
func Load(confPath string) (Config, error) {
	fileVals := fileValues{}
	if confPath != "" {
		if _, err := os.Stat(confPath); err == nil {
			v, err := loadFromFile(confPath)
			if err != nil {
				return Config{}, errkind.Wrap(errkind.Configuration, "loading "+confPath, err)
			}
			fileVals = v
		}
	}

	lookup := envThenFile(fileVals)

	storageCfg, err := storage.FromEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	if err := storageCfg.Validate(); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	cfg.Storage = storageCfg

	if v, ok := lookup("OBSIDIAN_KILN_PATH"); ok && v != "" {
		cfg.KilnPath = v
	}
	if v, ok := lookup("EMBEDDING_ENDPOINT"); ok && v != "" {
		cfg.EmbeddingEndpoint = v
	}
	if v, ok := lookup("EMBEDDING_MODEL"); ok && v != "" {
		cfg.EmbeddingModel = v
	}
	if v, ok := lookup("CRUCIBLE_RPC_SOCKET"); ok && v != "" {
		cfg.RPCSocket = v
	}
	if v, ok := lookup("CRUCIBLE_CONFIG_HOT_RELOAD"); ok {
		cfg.HotReloadEnabled = v == "true" || v == "1"
	}
	if v, ok := lookup("CRUCIBLE_CONFIG_RELOAD_INTERVAL"); ok && v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errkind.Wrap(errkind.Configuration, "CRUCIBLE_CONFIG_RELOAD_INTERVAL must be an integer number of seconds", err)
		}
		cfg.ReloadInterval = time.Duration(seconds) * time.Second
	}
	if v, ok := lookup("CRUCIBLE_EMBEDDING_CHANNEL_CAPACITY"); ok && v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errkind.Wrap(errkind.Configuration, "CRUCIBLE_EMBEDDING_CHANNEL_CAPACITY must be an integer", err)
		}
		cfg.EmbeddingChannelCapacity = capacity
	}

	return cfg, nil
}

// envThenFile returns a lookup function consulting the process
// environment first, falling back to fileVals — matching the stated
// precedence of environment variables over the config file.
func envThenFile(fileVals fileValues) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		if v, ok := fileVals[key]; ok {
			return v, true
		}
		return "", false
	}
}
