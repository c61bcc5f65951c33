package cmd

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/app"
	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/internal/common/metrics"
	"github.com/G-Research/fleetbench/internal/coordinator"
	"github.com/G-Research/fleetbench/internal/worker/benchmarks"
)

var errSuiteFailed = errors.New("test suite failed")

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the fleet, runs the test suite and tears the fleet down",
		Long: "Starts the fleet, runs the test suite and tears the fleet down. The first interrupt asks the running " +
			"tests to stop and waits for them to complete, the second one aborts. Exits non-zero if the suite failed.",
		RunE: runSuite,
	}
	cmd.Flags().String("suite", "", "Test suite properties file")
	cmd.Flags().String("fleet", "", "Fleet definition file, for external fleets")
	cmd.Flags().String("sessionId", "", "Session id; generated when empty")
	cmd.Flags().String("outputDir", "", "Directory the session output is written to")
	return cmd
}

func runSuite(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd, map[string]string{
		"suite":     "suite.file",
		"fleet":     "fleet.file",
		"sessionId": "sessionId",
		"outputDir": "outputDir",
	})
	if err != nil {
		return err
	}
	if err := logging.ConfigureFromConfig(config.Logging); err != nil {
		return err
	}

	suite, err := coordinator.LoadTestSuite(config.Suite.File, benchmarks.DefaultRegistry().Names())
	if err != nil {
		return err
	}
	launcher, err := coordinator.NewAgentLauncher(config.Fleet)
	if err != nil {
		return err
	}
	c, err := coordinator.New(config, suite, launcher, coordinator.GrpcAgentDialer, clock.RealClock{}, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	shutdownMetricServer := metrics.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	ctx := app.CreateContextWithGracefulShutdown(func() {
		go func() {
			if !c.StopTests(fleetcontext.Background()) {
				log.Warn("Some tests did not complete after being asked to stop")
			}
		}()
	})
	defer c.Close(fleetcontext.Background())

	if err := c.Start(ctx); err != nil {
		return err
	}
	if !c.Run(ctx) {
		return errSuiteFailed
	}
	return nil
}
