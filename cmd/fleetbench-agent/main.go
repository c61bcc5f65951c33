package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/G-Research/fleetbench/internal/agent"
	"github.com/G-Research/fleetbench/internal/agent/configuration"
	commonconfig "github.com/G-Research/fleetbench/internal/common/config"
	"github.com/G-Research/fleetbench/internal/common/logging"
)

const (
	CustomConfigLocation string = "config"
	DefaultConfigPath    string = "./config/agent/config.yaml"
)

func init() {
	pflag.StringSlice(CustomConfigLocation, []string{}, "Fully qualified path to application configuration file")
	pflag.Uint16("port", 0, "Port the agent serves on, overrides grpc.port")
	pflag.String("homeDir", "", "Directory sessions and workers are created under, overrides supervisor.homeDir")
	pflag.Parse()
}

func main() {
	logging.ConfigureLogging()

	config, err := loadConfig()
	if err != nil {
		log.Errorf("Invalid configuration: %s", err)
		os.Exit(1)
	}
	if err := logging.ConfigureFromConfig(config.Logging); err != nil {
		log.Errorf("Invalid logging configuration: %s", err)
		os.Exit(1)
	}

	log.Info("Starting...")
	log.Infof("Config %+v", config)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	shutdownRequested := make(chan struct{})
	var requestOnce sync.Once

	shutdown, wg, err := agent.StartUp(config, func() {
		requestOnce.Do(func() { close(shutdownRequested) })
	})
	if err != nil {
		log.Errorf("Failed to start: %s", err)
		os.Exit(1)
	}
	go func() {
		select {
		case sig := <-stopSignal:
			log.Infof("Received %s, shutting down", sig)
		case <-shutdownRequested:
			log.Info("Shutdown requested by the coordinator")
		}
		shutdown()
	}()
	wg.Wait()
}

func loadConfig() (configuration.AgentConfiguration, error) {
	var config configuration.AgentConfiguration
	userSpecifiedConfigs, err := pflag.CommandLine.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, err
	}
	v, err := commonconfig.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs)
	if err != nil {
		return config, err
	}
	if err := v.BindPFlag("grpc.port", pflag.Lookup("port")); err != nil {
		return config, err
	}
	if err := v.BindPFlag("supervisor.homeDir", pflag.Lookup("homeDir")); err != nil {
		return config, err
	}
	if err := commonconfig.Unmarshal(v, &config); err != nil {
		return config, err
	}
	if config.Supervisor.HomeDir != "" {
		if config.Supervisor.HomeDir, err = filepath.Abs(config.Supervisor.HomeDir); err != nil {
			return config, err
		}
	}
	return config, commonconfig.Validate(config)
}
