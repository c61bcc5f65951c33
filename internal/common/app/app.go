package app

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
)

// CreateContextWithGracefulShutdown calls onFirstSignal on the first SIGINT/SIGTERM and cancels the returned
// context on the second. With a nil onFirstSignal the first signal cancels the context.
func CreateContextWithGracefulShutdown(onFirstSignal func()) *fleetcontext.Context {
	ctx, cancel := fleetcontext.WithCancel(fleetcontext.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		if onFirstSignal != nil {
			select {
			case sig := <-c:
				log.Warnf("Received %s, stopping gracefully; signal again to abort", sig)
				onFirstSignal()
			case <-ctx.Done():
				return
			}
		}
		select {
		case sig := <-c:
			log.Warnf("Received %s, aborting", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
