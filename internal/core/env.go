package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvFileName is the optional overlay file read next to the configuration.
const EnvFileName = "cmscan.env"

// Overlay keys. Process environment wins over the overlay file.
const (
	EnvCheckmateFolder = "CMSCAN_CHECKMATE_FOLDER"
	EnvNCPU            = "CMSCAN_NCPU"
	EnvPublishKey      = "CMSCAN_PUBLISH_KEY"
)

var envKeys = []string{EnvCheckmateFolder, EnvNCPU, EnvPublishKey}

// LoadEnvOverlay reads KEY=VALUE pairs from path and merges the process
// environment on top. A missing file is not an error.
func LoadEnvOverlay(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env overlay %s: %w", path, err)
		}
		values = map[string]string{}
	}
	for _, k := range envKeys {
		if v := os.Getenv(k); v != "" {
			values[k] = v
		}
	}
	return values, nil
}

func applyEnv(o *rawOptions, env map[string]string) error {
	if v := env[EnvCheckmateFolder]; v != "" {
		o.CheckmateFolder = v
	}
	if v := env[EnvNCPU]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrBadOption, EnvNCPU, v)
		}
		o.NCPU = &n
	}
	if v := env[EnvPublishKey]; v != "" && o.Publish != nil {
		o.Publish.KeyPath = v
	}
	return nil
}
