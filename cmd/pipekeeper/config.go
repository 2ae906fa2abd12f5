package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pipekeeper/pipekeeper/internal/model"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// loadOrCreateConfig loads the explicit path, or the first config found in
// dirs. When there is none, the default config is stored in dirs[0].
// Relative paths in the config are resolved against its directory.
func loadOrCreateConfig(explicit string, dirs []string) (string, model.Config, error) {
	path := explicit
	if path == "" {
		for _, d := range dirs {
			candidate := filepath.Join(d, configName)
			if exists(candidate) {
				path = candidate
				break
			}
		}
	}

	if path == "" {
		path = filepath.Join(dirs[0], configName)
		cfg := model.DefaultConfig(dirs[0])
		if err := storeConfig(path, cfg); err != nil {
			return "", model.Config{}, err
		}
		return path, cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return "", model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", model.Config{}, fmt.Errorf("resolving config directory: %w", err)
	}
	return path, cfg.Resolve(abs), nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	slog.Info("stored default configuration", "path", path)
	return nil
}

// applyOverrides gives flags and PIPEKEEPER_* variables a precedence over
// the config file.
func applyOverrides(cfg model.Config, v *viper.Viper) model.Config {
	if v.IsSet("service.verbose") && v.GetBool("service.verbose") {
		cfg.Service.Verbose = true
	}
	if v.IsSet("execution.mode") && v.GetString("execution.mode") != "" {
		cfg.Execution.Mode = v.GetString("execution.mode")
	}
	if v.IsSet("service.log") && v.GetString("service.log") != "" {
		cfg.Service.Log = v.GetString("service.log")
	}
	return cfg
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
