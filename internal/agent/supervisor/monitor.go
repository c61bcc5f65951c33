package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/G-Research/fleetbench/internal/common/fleetcontext"
	"github.com/G-Research/fleetbench/pkg/api"
)

// CheckWorkers runs every failure check against every running worker. It is meant to be called periodically.
func (s *Supervisor) CheckWorkers(ctx *fleetcontext.Context) {
	s.checkLock.Lock()
	defer s.checkLock.Unlock()
	for _, w := range s.runningWorkers() {
		s.checkWorker(ctx, w)
	}
}

func (s *Supervisor) checkWorker(ctx *fleetcontext.Context, w *workerProcess) {
	s.detectExceptions(ctx, w)
	if w.currentState() != stateRunning {
		return
	}
	if s.detectOOM(ctx, w) {
		return
	}
	if s.detectExit(ctx, w) {
		return
	}
	s.detectMembershipLoss(ctx, w)
}

// detectExceptions reports and consumes the exception files written by the worker, in sequence order.
func (s *Supervisor) detectExceptions(ctx *fleetcontext.Context, w *workerProcess) {
	files, err := filepath.Glob(filepath.Join(w.dir, "*"+api.ExceptionFileSuffix))
	if err != nil {
		ctx.Log.Errorf("Failed to list exception files of %s: %s", w.params.Address, err)
		return
	}
	sort.Slice(files, func(i, j int) bool {
		return exceptionSequence(files[i]) < exceptionSequence(files[j])
	})
	for _, file := range files {
		if w.seenExceptions[file] {
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			if !os.IsNotExist(err) {
				ctx.Log.Errorf("Failed to read exception file %s: %s", file, err)
			}
			continue
		}
		if err := os.Remove(file); err != nil {
			ctx.Log.Warnf("Failed to delete exception file %s: %s", file, err)
			w.seenExceptions[file] = true
		}

		var report api.ExceptionReport
		if err := json.Unmarshal(data, &report); err != nil {
			report = api.ExceptionReport{Message: "unreadable exception file " + filepath.Base(file), Cause: string(data)}
		}
		failureType := api.FailureWorkerException
		if report.Fatal {
			failureType = api.FailureWorkerFatalException
		}
		message := report.Message
		if report.Phase != "" {
			message = fmt.Sprintf("%s (phase %s)", message, report.Phase)
		}
		failure := &api.Failure{
			Type:    failureType,
			Message: message,
			Cause:   report.Cause,
			TestId:  report.TestId,
		}
		if report.Fatal {
			s.crash(ctx, w, failure, true)
			return
		}
		s.report(ctx, w, failure)
	}
}

func (s *Supervisor) detectOOM(ctx *fleetcontext.Context, w *workerProcess) bool {
	if _, err := os.Stat(filepath.Join(w.dir, api.OOMFileName)); err != nil {
		return false
	}
	return s.crash(ctx, w, &api.Failure{
		Type:    api.FailureWorkerOOM,
		Message: "Worker ran out of memory",
	}, true)
}

func (s *Supervisor) detectExit(ctx *fleetcontext.Context, w *workerProcess) bool {
	select {
	case <-w.process.Done():
	default:
		return false
	}
	code := w.process.ExitCode()
	if code == 0 {
		return s.crash(ctx, w, &api.Failure{
			Type:    api.FailureWorkerNormalExit,
			Message: "Worker terminated normally",
		}, false)
	}
	return s.crash(ctx, w, &api.Failure{
		Type:    api.FailureWorkerUnexpectedExit,
		Message: fmt.Sprintf("Worker terminated with exit code %d instead of 0", code),
	}, false)
}

// detectMembershipLoss only applies to members: a member that joined the cluster and later left it is failed.
func (s *Supervisor) detectMembershipLoss(ctx *fleetcontext.Context, w *workerProcess) bool {
	if !w.params.Type.IsMember() || w.client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.config.PingTimeout)
	defer cancel()
	resp, err := w.client.Ping(pingCtx, &api.PingRequest{})
	if err != nil {
		ctx.Log.WithField("worker", w.params.Address).Debugf("Ping failed: %s", err)
		return false
	}
	if resp.MemberJoined {
		w.memberJoined.Store(true)
		return false
	}
	if !w.memberJoined.Load() {
		return false
	}
	return s.crash(ctx, w, &api.Failure{
		Type:    api.FailureWorkerMembershipLoss,
		Message: "Member is no longer part of the cluster",
	}, true)
}

// crash reports a failure that ends the worker. Only the caller that moves the worker out of Running reports it.
func (s *Supervisor) crash(ctx *fleetcontext.Context, w *workerProcess, failure *api.Failure, kill bool) bool {
	if !w.transition(stateRunning, stateCrashed) {
		return false
	}
	s.report(ctx, w, failure)
	if kill {
		if err := w.process.Kill(); err != nil {
			ctx.Log.WithField("worker", w.params.Address).Warnf("Failed to kill worker: %s", err)
		}
	}
	s.remove(w)
	return true
}

func exceptionSequence(path string) int {
	seq, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(path), api.ExceptionFileSuffix))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return seq
}
