package worker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	commongrpc "github.com/G-Research/fleetbench/internal/common/grpc"
	"github.com/G-Research/fleetbench/internal/common/metrics"
	"github.com/G-Research/fleetbench/internal/common/task"
	"github.com/G-Research/fleetbench/internal/worker/benchmarks"
	"github.com/G-Research/fleetbench/internal/worker/configuration"
	"github.com/G-Research/fleetbench/internal/worker/driver"
	"github.com/G-Research/fleetbench/pkg/api"
)

// StartUp connects the driver, serves the worker API on a loopback port and then publishes that port in
// the address file, which tells the agent the worker is ready.
// stop is called when the agent asks the worker to shut down.
func StartUp(config configuration.WorkerConfiguration, stop func()) (func(), *sync.WaitGroup, error) {
	ctx := fleetcontext.WithLogFields(fleetcontext.Background(), log.Fields{"worker": config.Address})

	clusterDriver, err := driver.New(config)
	if err != nil {
		return nil, nil, err
	}
	if err := clusterDriver.Start(ctx); err != nil {
		return nil, nil, err
	}

	lis, err := commongrpc.Listen(config.Grpc.Port)
	if err != nil {
		_ = clusterDriver.Close()
		return nil, nil, err
	}
	server := NewServer(config, clusterDriver, benchmarks.DefaultRegistry(), clock.RealClock{}, stop)
	grpcServer := commongrpc.CreateGrpcServer(config.Grpc)
	api.RegisterWorkerServer(grpcServer, server)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	commongrpc.Serve(lis, grpcServer, wg)

	taskManager := task.NewBackgroundTaskManager(metrics.WorkerMetricPrefix)
	if config.Memory.LimitMb > 0 {
		guard := newMemoryGuard(config.Memory.LimitMb, config.HomeDir, os.Exit)
		taskManager.Register(guard.check, config.Memory.CheckInterval, "memory_guard")
	}

	endpoint := fmt.Sprintf("127.0.0.1:%d", lis.Addr().(*net.TCPAddr).Port)
	if err := writeFileAtomic(filepath.Join(config.HomeDir, api.AddressFileName), []byte(endpoint+"\n")); err != nil {
		grpcServer.Stop()
		_ = clusterDriver.Close()
		return nil, nil, errors.WithMessage(err, "failed to publish worker address")
	}
	ctx.Log.Infof("Worker %s (%s) ready on %s", config.Id, config.Type, endpoint)

	return func() {
		server.stopAll()
		if taskManager.StopAll(time.Second) {
			log.Warnf("Background tasks did not stop in time")
		}
		if err := clusterDriver.Close(); err != nil {
			log.Warnf("Failed to close driver: %s", err)
		}
		commongrpc.StopGracefully(grpcServer, config.Grpc.GracePeriod)
		wg.Done()
		log.Infof("Shutdown complete")
	}, wg, nil
}
