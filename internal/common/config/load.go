package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "FLEETBENCH"

// LoadConfig reads the defaults file followed by each override file, then environment variables,
// into config. The returned viper instance can have command line flags bound to it before Unmarshal.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if defaultPath != "" {
		if _, err := os.Stat(defaultPath); err == nil {
			v.SetConfigFile(defaultPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.WithMessagef(err, "error reading default config from %s", defaultPath)
			}
			log.Infof("Read base config from %s", v.ConfigFileUsed())
		} else if !os.IsNotExist(err) {
			return nil, errors.WithStack(err)
		}
	}

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	if err := Unmarshal(v, config); err != nil {
		return nil, err
	}
	return v, nil
}

// Unmarshal decodes the current viper state into config using the fleetbench decode hooks.
func Unmarshal(v *viper.Viper, config interface{}) error {
	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return errors.WithMessage(err, "error unmarshalling config")
	}
	return nil
}
