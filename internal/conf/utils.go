package conf

import (
	"os"
	"path/filepath"

	"github.com/ampelproject/decentfilter/internal/errors"
)

const appDirName = "decentfilter"

// GetDefaultConfigPaths returns the config search paths: the working
// directory, the user config directory and /etc. If a config.yaml exists in
// one of them, only that path is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Component("configuration").
			Context("operation", "get-home-directory").
			Build()
	}

	configPaths := []string{
		".",
		filepath.Join(homeDir, ".config", appDirName),
		filepath.Join("/etc", appDirName),
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}

	return configPaths, nil
}
