package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/elchinoo/tempest/pkg/types"
)

func validConfig() *types.Config {
	cfg := &types.Config{}
	cfg.Workload = "register"
	cfg.Concurrency = "3"
	cfg.TimeLimit = "30s"
	return cfg
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.Config)
	}{
		{"missing workload", func(c *types.Config) { c.Workload = "" }},
		{"missing concurrency", func(c *types.Config) { c.Concurrency = "" }},
		{"bad concurrency", func(c *types.Config) { c.Concurrency = "zero" }},
		{"bad time limit", func(c *types.Config) { c.TimeLimit = "forever" }},
		{"bad nemesis interval", func(c *types.Config) { c.NemesisInterval = "5 parsecs" }},
		{"negative test count", func(c *types.Config) { c.TestCount = -1 }},
		{"negative rate", func(c *types.Config) { c.Rate = -1 }},
		{"nodes without username", func(c *types.Config) { c.Cluster.Nodes = []string{"n1"} }},
		{"results without host", func(c *types.Config) { c.Results.Enabled = true }},
		{"per-node concurrency without nodes", func(c *types.Config) { c.Concurrency = "2n" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			var cfgErr *types.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("want ConfigError, got %T: %v", err, err)
			}
		})
	}
}

func TestNodesFileParsing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes")
	content := "n1\n# a comment\n\nn2\n  n3  \n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &types.Config{}
	cfg.Cluster.NodesFile = path
	nodes, err := Nodes(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"n1", "n2", "n3"}
	if len(nodes) != len(want) {
		t.Fatalf("want %v, got %v", want, nodes)
	}
	for i := range want {
		if nodes[i] != want[i] {
			t.Fatalf("want %v, got %v", want, nodes)
		}
	}
}

func TestNodesFileYAMLList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	content := "# cluster hosts\n- n1\n- n2\n- n3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &types.Config{}
	cfg.Cluster.NodesFile = path
	nodes, err := Nodes(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"n1", "n2", "n3"}
	if len(nodes) != len(want) {
		t.Fatalf("want %v, got %v", want, nodes)
	}
	for i := range want {
		if nodes[i] != want[i] {
			t.Fatalf("want %v, got %v", want, nodes)
		}
	}
}

func TestInlineNodesWinOverFile(t *testing.T) {
	cfg := &types.Config{}
	cfg.Cluster.Nodes = []string{"a", "b"}
	cfg.Cluster.NodesFile = "/does/not/exist"
	nodes, err := Nodes(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("want inline nodes, got %v", nodes)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
workload: bank
concurrency: "5"
time_limit: 45s
nemesis:
  - partition
workload_params:
  accounts: 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workload != "bank" || cfg.Concurrency != "5" || cfg.TimeLimit != "45s" {
		t.Fatalf("config misread: %+v", cfg)
	}
	if len(cfg.Nemesis) != 1 || cfg.Nemesis[0] != "partition" {
		t.Fatalf("nemesis misread: %v", cfg.Nemesis)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("loaded config rejected: %v", err)
	}
}
