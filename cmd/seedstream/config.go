package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "seedstream.yaml"

// fileConfig holds the optional on-disk defaults for the CLI. Flags given on
// the command line always win.
type fileConfig struct {
	DownloadDir       string  `yaml:"downloadDir,omitempty"`
	KeepFiles         *bool   `yaml:"keepFiles,omitempty"`
	UploadRateLimit   int     `yaml:"uploadRateLimit,omitempty"`
	DownloadRateLimit int     `yaml:"downloadRateLimit,omitempty"`
	ShareRatioLimit   float64 `yaml:"shareRatioLimit,omitempty"`
	Port              int     `yaml:"port,omitempty"`
}

// loadFileConfig reads the configuration file under the user config dir. A
// missing file yields the zero config.
func loadFileConfig() (fileConfig, error) {
	var cfg fileConfig
	path := filepath.Join(xdg.ConfigHome, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
