package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "swarmstore"}
	if err := Bind(cmd, v); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DiscoveryMode != "file" {
		t.Errorf("DiscoveryMode = %q, want file", cfg.DiscoveryMode)
	}
	if !cfg.FailLegacyChunkOnTimeout {
		t.Errorf("FailLegacyChunkOnTimeout = false, want true by default")
	}
	if cfg.DiscoveryTimeout().Seconds() != 30 {
		t.Errorf("DiscoveryTimeout = %v, want 30s", cfg.DiscoveryTimeout())
	}
}

func TestFlagOverridesDefault(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "swarmstore"}
	if err := Bind(cmd, v); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := cmd.PersistentFlags().Set("use-raft", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cmd.PersistentFlags().Set("discovery-mode", "server"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.UseRaft {
		t.Errorf("UseRaft = false, want true after flag override")
	}
	if cfg.DiscoveryMode != "server" {
		t.Errorf("DiscoveryMode = %q, want server", cfg.DiscoveryMode)
	}
}
