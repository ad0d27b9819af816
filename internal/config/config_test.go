package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("WPRELAY_TEST_TOKEN", "tok-123")
	dir := t.TempDir()
	path := writeConfig(t, `
data_dir = "`+dir+`"

[server]
addr = "0.0.0.0:9000"

[provider]
access_token = "${WPRELAY_TEST_TOKEN}"
phone_number_id = "123"

[automation]
url = "http://n8n.local/webhook/wa"
timeout = "2s"

[cache]
max_messages = 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Provider.AccessToken != "tok-123" {
		t.Errorf("access token not expanded: %q", cfg.Provider.AccessToken)
	}
	if cfg.Automation.Timeout != 2*time.Second {
		t.Errorf("automation timeout = %v", cfg.Automation.Timeout)
	}
	if cfg.Cache.MaxMessages != 10 || cfg.Cache.MaxConversations != 1000 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Store.DSN != filepath.Join(dir, "wprelay.db") {
		t.Errorf("dsn = %q", cfg.Store.DSN)
	}
	if cfg.Log.File != filepath.Join(dir, "logs", "wprelayd.log") {
		t.Errorf("log file = %q", cfg.Log.File)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad driver", "[store]\ndriver = \"mysql\"", "Driver"},
		{"postgres needs dsn", "[store]\ndriver = \"postgres\"", "DSN"},
		{"bad url", "[automation]\nurl = \"not a url\"", "URL"},
		{"sweep too fast", "[cache]\nsweep_interval = \"10ms\"", "SweepInterval"},
		{"bad level", "[log]\nlevel = \"loud\"", "Level"},
		{"unknown key", "[server]\nport = 1", "unknown keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(HomeEnv, t.TempDir())
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	cfg, err := LoadOrDefault(filepath.Join(home, "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != home || cfg.Store.Driver != "sqlite" || cfg.Media.Dir != filepath.Join(home, "media") {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Automation.URL = "http://n8n.local/hook"
	cfg.Outbox.PollInterval = 250 * time.Millisecond
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Automation.URL != cfg.Automation.URL || loaded.Outbox.PollInterval != cfg.Outbox.PollInterval {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestBaseDirOverride(t *testing.T) {
	t.Setenv(HomeEnv, "/srv/wprelay")
	if got := ConfigPath(); got != "/srv/wprelay/config.toml" {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	cfg.Media.Enabled = true
	cfg.Media.Dir = ""
	cfg.Log.File = ""
	cfg.Resolve()
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{LogDir(dir), MediaDir(dir)} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", d, err)
		}
	}
}
