package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const defaultExtrasJSON = `{
  "session": {
    "token": ""
  }
}
`

// secretKeys are stored in the extras file instead of the main config.
var secretKeys = map[string]bool{
	"session.token": true,
}

// IsSecretKey reports whether key belongs in the extras file.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// EnsureExtrasFile creates the extras config with defaults if it doesn't exist.
func EnsureExtrasFile() error {
	extrasPath := ExtrasPath()
	if extrasPath == "" {
		return nil
	}
	if _, err := os.Stat(extrasPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(extrasPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(extrasPath, []byte(defaultExtrasJSON), 0600)
}

// Set stores key in the main config file, or in the extras file when the
// key is a secret, and returns the file written. Only the target file's own
// keys are rewritten, so defaults and merged extras never leak into it.
func Set(key string, value any) (string, error) {
	if IsSecretKey(key) {
		if err := EnsureExtrasFile(); err != nil {
			return "", err
		}
		path := ExtrasPath()
		return path, setInFile(path, key, value, 0600)
	}
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	return path, setInFile(path, key, value, 0644)
}

func setInFile(path, key string, value any, perm os.FileMode) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	v.Set(key, value)
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}
