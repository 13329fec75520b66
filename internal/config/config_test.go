package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.Listen != ":5100" {
		t.Errorf("Listen default: got %q", c.Listen)
	}
	if c.WebListen != ":5101" {
		t.Errorf("WebListen default: got %q", c.WebListen)
	}
	if c.DatabasePath != "./bonproxy.db" {
		t.Errorf("DatabasePath default: got %q", c.DatabasePath)
	}
	if c.MaxConnections != 0 {
		t.Errorf("MaxConnections default: got %d", c.MaxConnections)
	}
	if !c.PassiveDuringExclusive {
		t.Error("PassiveDuringExclusive should default true")
	}
	if c.ScanTickInterval != 60*time.Second {
		t.Errorf("ScanTickInterval default: got %v", c.ScanTickInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("BONPROXY_LISTEN", ":9100")
	os.Setenv("BONPROXY_ENABLE_SCAN", "true")
	os.Setenv("BONPROXY_MAX_CONNECTIONS", "16")
	os.Setenv("BONPROXY_PASSIVE_DURING_EXCLUSIVE", "false")
	c := Load()
	if c.Listen != ":9100" {
		t.Errorf("Listen: got %q", c.Listen)
	}
	if !c.EnableScan {
		t.Error("EnableScan should be true")
	}
	if c.MaxConnections != 16 {
		t.Errorf("MaxConnections: got %d", c.MaxConnections)
	}
	if c.PassiveDuringExclusive {
		t.Error("PassiveDuringExclusive should be false")
	}
}

func TestApplyFlagsOverridesEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("BONPROXY_LISTEN", ":9100")
	c := Load()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := c.ApplyFlags(fs, []string{"--listen", ":7000", "--verbose", "--enable-scan"}); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if c.Listen != ":7000" {
		t.Errorf("Listen should be overridden by flag; got %q", c.Listen)
	}
	if !c.Verbose {
		t.Error("Verbose should be set by flag")
	}
	if !c.EnableScan {
		t.Error("EnableScan should be set by flag")
	}
}

func TestApplyFlagsUnsetFlagsKeepEnvValue(t *testing.T) {
	os.Clearenv()
	os.Setenv("BONPROXY_DATABASE", "/var/lib/bonproxy/custom.db")
	c := Load()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := c.ApplyFlags(fs, []string{"--listen", ":7000"}); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if c.DatabasePath != "/var/lib/bonproxy/custom.db" {
		t.Errorf("DatabasePath should be untouched by flags; got %q", c.DatabasePath)
	}
}

func TestApplyFlagsConfigFileLoadsBeforeFlags(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	path := filepath.Join(dir, "bonproxy.env")
	if err := os.WriteFile(path, []byte("BONPROXY_LISTEN=:8100\nBONPROXY_DATABASE=/tmp/cfg.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c := Load()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := c.ApplyFlags(fs, []string{"--config", path, "--listen", ":9000"}); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if c.DatabasePath != "/tmp/cfg.db" {
		t.Errorf("DatabasePath should come from config file; got %q", c.DatabasePath)
	}
	if c.Listen != ":9000" {
		t.Errorf("explicit flag should win over config file; got %q", c.Listen)
	}
}

func TestLogRetentionAndDir(t *testing.T) {
	os.Clearenv()
	c := Load()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := c.ApplyFlags(fs, []string{"--log-dir", "/var/log/bonproxy", "--log-retention-days", "14"}); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if c.LogDir != "/var/log/bonproxy" {
		t.Errorf("LogDir: got %q", c.LogDir)
	}
	if c.LogRetentionDays != 14 {
		t.Errorf("LogRetentionDays: got %d", c.LogRetentionDays)
	}
}

func TestApplyFlagsExportSnapshot(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.ExportSnapshotPath != "" {
		t.Fatalf("expected empty ExportSnapshotPath by default, got %q", c.ExportSnapshotPath)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := c.ApplyFlags(fs, []string{"--export-snapshot", "/tmp/bonproxy-snapshot.br"}); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if c.ExportSnapshotPath != "/tmp/bonproxy-snapshot.br" {
		t.Errorf("ExportSnapshotPath: got %q", c.ExportSnapshotPath)
	}
}
