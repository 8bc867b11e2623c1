// Package snapshots submits asynchronous snapshot save/load jobs over a
// guest's control channel and awaits their terminal state.
package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/logging/types"
)

var (
	ErrCouldNotSubmitJob  = errors.New("could not submit snapshot job")
	ErrCouldNotQueryJobs  = errors.New("could not query jobs")
	ErrCouldNotParseJobs  = errors.New("could not parse job descriptors")
	ErrJobTimedOut        = errors.New("snapshot job did not reach a terminal state in time")
	ErrJobReachedBadState = errors.New("snapshot job reached a terminal state other than concluded")
)

const (
	DefaultPollInterval = 25 * time.Millisecond
	DefaultPollTimeout  = time.Minute

	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusPending   = "pending"
	StatusAborting  = "aborting"
	StatusConcluded = "concluded"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusNull      = "null"
)

// Job is one descriptor from a query-jobs response.
type Job struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// JobError carries the full descriptor of a job that terminated in any state
// other than concluded.
type JobError struct {
	Job Job
}

func (e *JobError) Error() string {
	if e.Job.Error != "" {
		return fmt.Sprintf("job %q reached status %q: %s", e.Job.ID, e.Job.Status, e.Job.Error)
	}

	return fmt.Sprintf("job %q reached status %q", e.Job.ID, e.Job.Status)
}

// Executor is the slice of the control channel the manager needs.
type Executor interface {
	Execute(ctx context.Context, command string, arguments any) (json.RawMessage, error)
}

// Manager issues snapshot jobs for a single guest. Job identifiers are unique
// and strictly increasing for the guest's lifetime.
type Manager struct {
	// PollInterval spaces the query-jobs polls so small, fast-concluding jobs
	// still don't flood the control channel. PollTimeout bounds the worst-case
	// wait for a terminal state.
	PollInterval time.Duration
	PollTimeout  time.Duration

	log    types.Logger
	client Executor
	device string

	jobCounter atomic.Uint64
}

// NewManager returns a manager addressing snapshot jobs at the given block
// node, which must be the guest's snapshot backing disk.
func NewManager(log types.Logger, client Executor, device string) *Manager {
	return &Manager{
		PollInterval: DefaultPollInterval,
		PollTimeout:  DefaultPollTimeout,

		log:    log,
		client: client,
		device: device,
	}
}

// Save captures the guest's full execution state under the given tag and
// blocks until the job concludes.
func (m *Manager) Save(ctx context.Context, tag string) error {
	return m.run(ctx, "snapshot-save", "save", tag)
}

// Load rewinds the guest's execution state to the given tag and blocks until
// the job concludes. The guest's lifecycle state is unaffected.
func (m *Manager) Load(ctx context.Context, tag string) error {
	return m.run(ctx, "snapshot-load", "load", tag)
}

func (m *Manager) run(ctx context.Context, command string, kind string, tag string) error {
	jobID := fmt.Sprintf("%s-%d", kind, m.jobCounter.Add(1))

	if m.log != nil {
		m.log.Debug().Str("jobID", jobID).Str("tag", tag).Msg("Submitting snapshot job")
	}

	if _, err := m.client.Execute(ctx, command, map[string]any{
		"job-id":  jobID,
		"tag":     tag,
		"vmstate": m.device,
		"devices": []string{m.device},
	}); err != nil {
		return errors.Join(ErrCouldNotSubmitJob, err)
	}

	return m.await(ctx, jobID)
}

// await polls job status until the job reaches a terminal state. Polling
// stops immediately on the first terminal state observed.
func (m *Manager) await(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(m.PollTimeout)

	for {
		payload, err := m.client.Execute(ctx, "query-jobs", nil)
		if err != nil {
			return errors.Join(ErrCouldNotQueryJobs, err)
		}

		var jobs []Job
		if err := json.Unmarshal(payload, &jobs); err != nil {
			return errors.Join(ErrCouldNotParseJobs, err)
		}

		for _, job := range jobs {
			if job.ID != jobID {
				continue
			}

			switch job.Status {
			case StatusConcluded:
				if m.log != nil {
					m.log.Debug().Str("jobID", jobID).Msg("Snapshot job concluded")
				}
				m.dismiss(ctx, jobID)

				return nil
			case StatusFailed, StatusAborted, StatusError, StatusNull:
				m.dismiss(ctx, jobID)

				return errors.Join(ErrJobReachedBadState, &JobError{Job: job})
			}

			break
		}

		if time.Now().After(deadline) {
			return errors.Join(ErrJobTimedOut, fmt.Errorf("job %q", jobID))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.PollInterval):
		}
	}
}

// dismiss drops a terminal job from the hypervisor's job list so query-jobs
// output stays bounded over a long campaign. Best-effort; the job result has
// already been observed.
func (m *Manager) dismiss(ctx context.Context, jobID string) {
	if _, err := m.client.Execute(ctx, "job-dismiss", map[string]any{"id": jobID}); err != nil {
		if m.log != nil {
			m.log.Debug().Err(err).Str("jobID", jobID).Msg("Could not dismiss job")
		}
	}
}
