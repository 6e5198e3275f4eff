package test

import (
	"os"
	"path/filepath"
	"testing"
)

// TempHome is a throwaway HOME with its own iotcli state directory.
type TempHome struct {
	Dir string
}

// NewTempHome points HOME and every IOTCLI_* location at a fresh temp
// directory. The environment is restored when the test ends.
func NewTempHome(t *testing.T) *TempHome {
	t.Helper()

	dir := t.TempDir()
	th := &TempHome{Dir: dir}

	t.Setenv("HOME", dir)
	t.Setenv("IOTCLI_STATE_DIR", th.StateDir())
	t.Setenv("IOTCLI_CONFIG_PATH", "")
	t.Setenv("IOTCLI_EXTRAS_PATH", "")
	for _, key := range []string{"IOTCLI_SYNC_URL", "IOTCLI_CA_URL", "IOTCLI_SESSION_TOKEN"} {
		t.Setenv(key, "")
	}

	if err := os.MkdirAll(th.StateDir(), 0755); err != nil {
		t.Fatalf("Failed to create state dir: %v", err)
	}
	return th
}

// StateDir returns the iotcli state directory in the temp home.
func (th *TempHome) StateDir() string {
	return filepath.Join(th.Dir, ".iotcli")
}

// ConfigPath returns where the config file lives in the temp home.
func (th *TempHome) ConfigPath() string {
	return filepath.Join(th.StateDir(), "iotcli.json")
}

// WriteConfig writes the config file to the temp home.
func (th *TempHome) WriteConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := th.ConfigPath()
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// ReadConfig returns the config file content.
func (th *TempHome) ReadConfig(t *testing.T) string {
	t.Helper()

	data, err := os.ReadFile(th.ConfigPath())
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	return string(data)
}
