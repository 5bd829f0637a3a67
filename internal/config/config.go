// Package config resolves crsql settings from flags, environment, and an
// optional .crsql.yaml discovered by walking up from the working
// directory. Environment variables use the CRSQL prefix, e.g. CRSQL_DB and
// CRSQL_NODE.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "CRSQL"
	configName = ".crsql.yaml"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Call once at
// startup, before Get*.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Walk up from CWD so commands work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			path := filepath.Join(dir, configName)
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				break
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}

	// Environment variables take precedence over the config file.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", "crsql.db")
	v.SetDefault("node", uint64(0))
	v.SetDefault("inbox", "")
	v.SetDefault("log-file", "")

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// BindFlag makes a cobra/pflag flag override the config key when set.
func BindFlag(key string, flag *pflag.Flag) error {
	if v == nil {
		return fmt.Errorf("config not initialized")
	}
	return v.BindPFlag(key, flag)
}

// GetString returns a string setting.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetUint64 returns an unsigned integer setting.
func GetUint64(key string) uint64 {
	if v == nil {
		return 0
	}
	return v.GetUint64(key)
}

// ConfigFileUsed returns the discovered config file path, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
