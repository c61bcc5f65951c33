package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/pkg/api"
)

// exceptionWriter publishes errors for the agent by writing numbered exception files into the worker's
// working directory. The agent reads and deletes them in sequence order.
type exceptionWriter struct {
	dir      string
	workerId string
	clock    clock.Clock
	seq      atomic.Int64
}

func newExceptionWriter(dir string, workerId string, clock clock.Clock) *exceptionWriter {
	return &exceptionWriter{dir: dir, workerId: workerId, clock: clock}
}

func (w *exceptionWriter) write(testId string, phase string, err error, fatal bool) error {
	report := api.ExceptionReport{
		WorkerId:  w.workerId,
		TestId:    testId,
		Phase:     phase,
		Message:   err.Error(),
		Cause:     logging.FormatCause(err),
		Fatal:     fatal,
		Timestamp: w.clock.Now(),
	}
	data, marshalErr := json.Marshal(report)
	if marshalErr != nil {
		return errors.WithStack(marshalErr)
	}
	name := fmt.Sprintf("%d%s", w.seq.Add(1), api.ExceptionFileSuffix)
	return writeFileAtomic(filepath.Join(w.dir, name), data)
}

// writeFileAtomic writes to a temporary file next to path and renames it into place, so that readers
// never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WithStack(err)
	}
	return nil
}
