// internal/config/config.go
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/elchinoo/tempest/pkg/types"
)

// Load reads a YAML config file into a Config without validating it. An
// empty path yields a zero config for CLI-only runs; validation applies
// after CLI overrides, via Validate.
func Load(configFile string) (*types.Config, error) {
	var cfg types.Config
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Validate checks the final configuration after CLI overrides. Failures
// are configuration errors and exit with code 2.
func Validate(cfg *types.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return types.Configf("configuration validation failed: %v", err)
	}

	nodes, err := Nodes(cfg)
	if err != nil {
		return err
	}
	if _, err := cfg.ResolveConcurrency(len(nodes)); err != nil {
		return types.Configf("%v", err)
	}
	for _, field := range []struct{ name, value string }{
		{"time_limit", cfg.TimeLimit},
		{"nemesis_interval", cfg.NemesisInterval},
		{"invoke_timeout", cfg.InvokeTimeout},
		{"drain_timeout", cfg.DrainTimeout},
		{"barrier_timeout", cfg.BarrierTimeout},
	} {
		if _, err := types.Duration(field.value, 0); err != nil {
			return types.Configf("invalid %s %q: %v", field.name, field.value, err)
		}
	}
	if cfg.TestCount < 0 {
		return types.Configf("test_count must be non-negative, got %d", cfg.TestCount)
	}
	if cfg.Rate < 0 {
		return types.Configf("rate must be non-negative, got %f", cfg.Rate)
	}
	if cfg.OpsPerKey < 0 {
		return types.Configf("ops_per_key must be non-negative, got %d", cfg.OpsPerKey)
	}
	if len(nodes) > 0 && cfg.Cluster.Username == "" {
		return types.Configf("remote runs require a username (flag, config, or TEMPEST_USERNAME)")
	}
	if cfg.Results.Enabled {
		if cfg.Results.Host == "" || cfg.Results.Dbname == "" || cfg.Results.Username == "" {
			return types.Configf("results backend requires host, dbname, and username")
		}
	}
	return nil
}

// Nodes resolves the node list from the inline list or the nodes file.
// The file is either a YAML list of hostnames or plain text with one
// hostname per line; blank lines and # comments are skipped in both.
func Nodes(cfg *types.Config) ([]string, error) {
	if len(cfg.Cluster.Nodes) > 0 {
		return cfg.Cluster.Nodes, nil
	}
	if cfg.Cluster.NodesFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.Cluster.NodesFile)
	if err != nil {
		return nil, types.Configf("failed to read nodes file: %v", err)
	}

	var nodes []string
	if err := yaml.Unmarshal(data, &nodes); err == nil {
		out := nodes[:0]
		for _, n := range nodes {
			if n = strings.TrimSpace(n); n != "" {
				out = append(out, n)
			}
		}
		return out, nil
	}

	// Not a YAML list; fall back to one hostname per line.
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		nodes = append(nodes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nodes file: %w", err)
	}
	return nodes, nil
}

// ApplyEnv fills remote credentials from the environment when neither the
// config file nor the CLI supplied them.
func ApplyEnv(cfg *types.Config) {
	if cfg.Cluster.Username == "" {
		cfg.Cluster.Username = os.Getenv("TEMPEST_USERNAME")
	}
	if cfg.Cluster.Password == "" {
		cfg.Cluster.Password = os.Getenv("TEMPEST_PASSWORD")
	}
	if cfg.Cluster.SSHKey == "" {
		cfg.Cluster.SSHKey = os.Getenv("TEMPEST_SSH_KEY")
	}
}
