package configuration

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/fleetbench/internal/common/config"
)

// Load reads the configuration the agent wrote for this worker. It is read as plain YAML rather than through
// viper so durations come back exactly as the agent wrote them.
func Load(path string) (WorkerConfiguration, error) {
	var c WorkerConfiguration
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.WithStack(err)
	}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return c, errors.WithMessagef(err, "error reading worker config from %s", path)
	}
	c.Defaults()
	return c, config.Validate(c)
}

// Write stores c at path in the format Load reads.
func Write(path string, c WorkerConfiguration) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, data, 0o644))
}
