package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// querygate.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig will return ConfigFileNotFoundError, which callers
		// treat as "defaults plus environment".
		viper.SetConfigName("querygate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: QUERYGATE_ADAPTER_BACKEND overrides
	// adapter.backend.
	viper.SetEnvPrefix("QUERYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a querygate config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".querygate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "querygate"))
		}
	} else {
		paths = append(paths, "/etc/querygate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first querygate.yaml or .yml found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "querygate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment overrides.
// Array and map keys stay file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("adapter.backend")
	_ = viper.BindEnv("adapter.dsn")

	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.max_file_size_mb")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.send_timeout")

	_ = viper.BindEnv("quota.default.window")
	_ = viper.BindEnv("quota.default.max_requests")
	_ = viper.BindEnv("quota.default.max_concurrent")
	_ = viper.BindEnv("quota.default.max_result_bytes")
	_ = viper.BindEnv("quota.default.max_duration")

	_ = viper.BindEnv("launcher.token_hash")

	_ = viper.BindEnv("validator.cache_size")

	_ = viper.BindEnv("telemetry.metrics_interval")
}

// ReadConfig loads the config file into Viper. A missing file is not an
// error; environment variables and defaults still apply.
func ReadConfig() error {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}
