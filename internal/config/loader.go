package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the config tree rooted at home (empty means the default
// home directory). A missing config.yaml is not an error: every setting
// has a default and secrets can come entirely from the environment.
func Load(home string) (*Config, error) {
	resolved, err := resolveHome(home)
	if err != nil {
		return nil, err
	}

	cfg := &Config{home: resolved}

	path := filepath.Join(resolved, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		decoded, derr := decodeConfig(data)
		if derr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, derr)
		}
		decoded.home = resolved
		cfg = decoded
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.env, err = loadDotEnv(filepath.Join(resolved, ".env"))
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveHome(home string) (string, error) {
	if home == "" {
		home = os.Getenv("HERMES_HOME")
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, DefaultHomeDirName)
	}
	abs, err := filepath.Abs(home)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func decodeConfig(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &Config{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected single document")
	}
	return &cfg, nil
}

// loadDotEnv parses a KEY=VALUE-per-line secrets file. Blank lines and
// lines beginning with # are skipped; surrounding single or double
// quotes on the value are stripped. A missing file yields an empty map.
func loadDotEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if key != "" {
			env[key] = value
		}
	}
	return env, nil
}

// EnsureDirs creates the mutable subdirectories the runtime writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.home,
		c.SessionsDir(),
		c.SkillsDir(),
		filepath.Dir(c.CronJobsPath()),
		c.SandboxesDir(),
		c.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
