package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory.
const HomeEnv = "WPRELAY_HOME"

// BaseDir returns $WPRELAY_HOME or ~/.wprelay.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wprelay")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// DBPath returns the SQLite database path inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "wprelay.db")
}

// MediaDir returns the blob sink root inside dataDir.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// LogDir returns the log directory inside dataDir.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path inside dataDir.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "wprelayd.log")
}

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir, filepath.Dir(c.Log.File)}
	if c.Media.Enabled {
		dirs = append(dirs, c.Media.Dir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
