package repository

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/G-Research/fleetbench/pkg/api"
)

// SessionRepository persists the failures and performance samples of a session so they can be queried after the run.
type SessionRepository interface {
	SaveFailure(sessionId string, failure *api.Failure) error
	SavePerformance(sessionId string, sample PerformanceSample) error
	GetFailures(sessionId string) ([]*api.Failure, error)
	GetPerformance(sessionId string, testId string) ([]PerformanceSample, error)
	Close() error
}

// PerformanceSample is one interval of a test's throughput, summed over all of its workers.
type PerformanceSample struct {
	TestId           string
	Timestamp        time.Time
	OperationCount   int64
	OperationDelta   int64
	OperationsPerSec float64
}

// SQLiteRepository stores sessions in a single SQLite file.
type SQLiteRepository struct {
	db   *sql.DB
	lock sync.Mutex
}

func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WithMessagef(err, "could not make directory for sqlite db %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithMessagef(err, "error opening sqlite db %s", path)
	}
	r := &SQLiteRepository{db: db}
	if err := r.setup(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) setup() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS failures (
			SessionId TEXT,
			Id TEXT,
			Type TEXT,
			Message TEXT,
			Cause TEXT,
			AgentAddress TEXT,
			WorkerAddress TEXT,
			WorkerId TEXT,
			TestId TEXT,
			Timestamp INT,
			PRIMARY KEY(SessionId, Id))`,
		`CREATE TABLE IF NOT EXISTS performance (
			SessionId TEXT,
			TestId TEXT,
			Timestamp INT,
			OperationCount INT,
			OperationDelta INT,
			OperationsPerSec REAL)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_session_test ON performance (SessionId, TestId)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (r *SQLiteRepository) SaveFailure(sessionId string, failure *api.Failure) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO failures
			(SessionId, Id, Type, Message, Cause, AgentAddress, WorkerAddress, WorkerId, TestId, Timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionId, failure.Id, failure.Type.String(), failure.Message, failure.Cause,
		failure.AgentAddress, failure.WorkerAddress, failure.WorkerId, failure.TestId,
		failure.Timestamp.UnixNano(),
	)
	return errors.WithStack(err)
}

func (r *SQLiteRepository) SavePerformance(sessionId string, sample PerformanceSample) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, err := r.db.Exec(
		`INSERT INTO performance
			(SessionId, TestId, Timestamp, OperationCount, OperationDelta, OperationsPerSec)
			VALUES (?, ?, ?, ?, ?, ?)`,
		sessionId, sample.TestId, sample.Timestamp.UnixNano(),
		sample.OperationCount, sample.OperationDelta, sample.OperationsPerSec,
	)
	return errors.WithStack(err)
}

// GetFailures returns the failures of a session in the order they happened.
func (r *SQLiteRepository) GetFailures(sessionId string) ([]*api.Failure, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	rows, err := r.db.Query(
		`SELECT Id, Type, Message, Cause, AgentAddress, WorkerAddress, WorkerId, TestId, Timestamp
			FROM failures WHERE SessionId = ? ORDER BY Timestamp, Id`,
		sessionId,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var failures []*api.Failure
	for rows.Next() {
		var failure api.Failure
		var failureType string
		var timestamp int64
		err := rows.Scan(
			&failure.Id, &failureType, &failure.Message, &failure.Cause, &failure.AgentAddress,
			&failure.WorkerAddress, &failure.WorkerId, &failure.TestId, &timestamp,
		)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if failure.Type, err = api.ParseFailureType(failureType); err != nil {
			log.Warnf("Skipping stored failure %s: %s", failure.Id, err)
			continue
		}
		failure.Timestamp = time.Unix(0, timestamp)
		failures = append(failures, &failure)
	}
	return failures, errors.WithStack(rows.Err())
}

func (r *SQLiteRepository) GetPerformance(sessionId string, testId string) ([]PerformanceSample, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	rows, err := r.db.Query(
		`SELECT Timestamp, OperationCount, OperationDelta, OperationsPerSec
			FROM performance WHERE SessionId = ? AND TestId = ? ORDER BY Timestamp`,
		sessionId, testId,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var samples []PerformanceSample
	for rows.Next() {
		sample := PerformanceSample{TestId: testId}
		var timestamp int64
		if err := rows.Scan(&timestamp, &sample.OperationCount, &sample.OperationDelta, &sample.OperationsPerSec); err != nil {
			return nil, errors.WithStack(err)
		}
		sample.Timestamp = time.Unix(0, timestamp)
		samples = append(samples, sample)
	}
	return samples, errors.WithStack(rows.Err())
}

func (r *SQLiteRepository) Close() error {
	return errors.WithStack(r.db.Close())
}

// NoopRepository is used when no repository path is configured.
type NoopRepository struct{}

func (NoopRepository) SaveFailure(string, *api.Failure) error                     { return nil }
func (NoopRepository) SavePerformance(string, PerformanceSample) error            { return nil }
func (NoopRepository) GetFailures(string) ([]*api.Failure, error)                 { return nil, nil }
func (NoopRepository) GetPerformance(string, string) ([]PerformanceSample, error) { return nil, nil }
func (NoopRepository) Close() error                                               { return nil }
