package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/pkgsync/types"
)

// ProjectFileName marks a project root.
const ProjectFileName = "pkgsync.yaml"

// UserConfigPath is the user config location relative to the XDG config dirs.
const UserConfigPath = "pkgsync/config.yaml"

// ProjectNotFoundError is returned when no directory between the start
// directory and the filesystem root contains ProjectFileName.
type ProjectNotFoundError struct {
	Start string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("no %s found in %s or any parent directory", ProjectFileName, e.Start)
}

// Is classifies the error as user-facing.
func (e *ProjectNotFoundError) Is(target error) bool {
	return target == types.ErrClean
}

// Load reads a YAML config file, expands environment variables, and
// unmarshals into a Config struct.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// FindProjectRoot walks up from start to the first directory holding
// ProjectFileName.
func FindProjectRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for dir := abs; ; {
		info, err := os.Stat(filepath.Join(dir, ProjectFileName))
		if err == nil && !info.IsDir() {
			return dir, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("check %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", &ProjectNotFoundError{Start: abs}
		}
		dir = parent
	}
}

// UserConfigFile returns the user config file path, or "" if none exists.
func UserConfigFile() string {
	path, err := xdg.SearchConfigFile(UserConfigPath)
	if err != nil {
		return ""
	}
	return path
}

// Resolve loads the project config at root layered over the user config.
// A missing user config is not an error.
func Resolve(root string) (*Config, error) {
	var user *Config
	if path := UserConfigFile(); path != "" {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		user = cfg
	}

	project, err := Load(filepath.Join(root, ProjectFileName))
	if err != nil {
		return nil, err
	}
	return Merge(user, project), nil
}
