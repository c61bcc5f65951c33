package cmd

import (
	"github.com/spf13/cobra"

	commonconfig "github.com/G-Research/fleetbench/internal/common/config"
	"github.com/G-Research/fleetbench/internal/coordinator/configuration"
)

const (
	CustomConfigLocation string = "config"
	DefaultConfigPath    string = "./config/coordinator/config.yaml"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fleetbench-coordinator",
		SilenceUsage: true,
		Short:        "Runs test suites on a fleet of agents and their workers",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		versionCmd(),
	)

	return cmd
}

// loadConfig reads the default and user config files, then applies the flags in flagKeys (flag name -> config key)
// that were set on the command line.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (configuration.CoordinatorConfiguration, error) {
	var config configuration.CoordinatorConfiguration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, err
	}
	v, err := commonconfig.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs)
	if err != nil {
		return config, err
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return config, err
		}
	}
	if err := commonconfig.Unmarshal(v, &config); err != nil {
		return config, err
	}
	return config, commonconfig.Validate(config)
}
