package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/internal/worker"
	"github.com/G-Research/fleetbench/internal/worker/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Worker configuration file written by the agent")
	pflag.Parse()
}

// The agent reads a non-zero exit code as a crash.
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

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	shutdownRequested := make(chan struct{})
	var requestOnce sync.Once

	shutdown, wg, err := worker.StartUp(config, func() {
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
		}
		shutdown()
	}()
	wg.Wait()
}

func loadConfig() (configuration.WorkerConfiguration, error) {
	path, err := pflag.CommandLine.GetString(CustomConfigLocation)
	if err != nil {
		return configuration.WorkerConfiguration{}, err
	}
	if path == "" {
		return configuration.WorkerConfiguration{}, errors.New("--config is required")
	}
	return configuration.Load(path)
}
