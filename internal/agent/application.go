package agent

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/agent/configuration"
	"github.com/G-Research/fleetbench/internal/agent/supervisor"
	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	commongrpc "github.com/G-Research/fleetbench/internal/common/grpc"
	"github.com/G-Research/fleetbench/internal/common/metrics"
	"github.com/G-Research/fleetbench/internal/common/task"
	"github.com/G-Research/fleetbench/pkg/api"
)

// StartUp starts the agent's gRPC server and worker monitor.
// stop is called when the coordinator asks the agent to shut down.
// The returned function shuts everything down, terminating any workers that are still running.
func StartUp(config configuration.AgentConfiguration, stop func()) (func(), *sync.WaitGroup, error) {
	lis, err := commongrpc.Listen(config.Grpc.Port)
	if err != nil {
		return nil, nil, err
	}

	workerSupervisor := supervisor.New(
		config.Supervisor,
		supervisor.ExecStarter{},
		supervisor.GrpcWorkerConnector,
		clock.RealClock{},
		prometheus.DefaultRegisterer,
	)

	grpcServer := commongrpc.CreateGrpcServer(config.Grpc)
	api.RegisterAgentServer(grpcServer, NewServer(workerSupervisor, config.Supervisor.HomeDir, stop))

	wg := &sync.WaitGroup{}
	wg.Add(1)

	taskManager := task.NewBackgroundTaskManager(metrics.AgentMetricPrefix)
	monitorCtx, cancelMonitor := fleetcontext.WithCancel(fleetcontext.WithLogField(fleetcontext.Background(), "task", "worker_monitor"))
	taskManager.Register(func() { workerSupervisor.CheckWorkers(monitorCtx) }, config.Supervisor.MonitorInterval, "worker_monitor")

	stopMetrics := metrics.ServeMetrics(config.MetricsPort)
	commongrpc.Serve(lis, grpcServer, wg)

	return func() {
		cancelMonitor()
		if taskManager.StopAll(2 * time.Second) {
			log.Warnf("Worker monitor did not stop in time")
		}
		terminateCtx, cancel := fleetcontext.WithTimeout(fleetcontext.Background(), config.Supervisor.TerminateTimeout+5*time.Second)
		if err := workerSupervisor.TerminateAll(terminateCtx, nil); err != nil {
			log.Warnf("Failed to terminate workers: %s", err)
		}
		cancel()
		stopMetrics()
		commongrpc.StopGracefully(grpcServer, config.Grpc.GracePeriod)
		wg.Done()
		log.Infof("Shutdown complete")
	}, wg, nil
}
