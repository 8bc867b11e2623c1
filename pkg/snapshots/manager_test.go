package snapshots

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExecutor records submitted jobs and answers query-jobs with a
// scripted status sequence per job.
type scriptedExecutor struct {
	statuses     []string // consumed one per query-jobs call
	submitted    []string // job ids in submission order
	dismissed    []string
	queries      int
	lastCommands []string
}

func (e *scriptedExecutor) Execute(_ context.Context, command string, arguments any) (json.RawMessage, error) {
	e.lastCommands = append(e.lastCommands, command)

	switch command {
	case "snapshot-save", "snapshot-load":
		args := arguments.(map[string]any)
		e.submitted = append(e.submitted, args["job-id"].(string))

		return json.RawMessage(`{}`), nil
	case "query-jobs":
		status := e.statuses[min(e.queries, len(e.statuses)-1)]
		e.queries++

		jobID := e.submitted[len(e.submitted)-1]
		payload, _ := json.Marshal([]Job{{ID: jobID, Type: "snapshot-save", Status: status, Error: errorFor(status)}})

		return payload, nil
	case "job-dismiss":
		args := arguments.(map[string]any)
		e.dismissed = append(e.dismissed, args["id"].(string))

		return json.RawMessage(`{}`), nil
	}

	return nil, nil
}

func errorFor(status string) string {
	if status == StatusFailed || status == StatusError {
		return "Device has no medium"
	}

	return ""
}

func newTestManager(executor Executor) *Manager {
	manager := NewManager(nil, executor, "snapdisk")
	manager.PollInterval = time.Millisecond
	manager.PollTimeout = time.Second

	return manager
}

func TestSaveConcludes(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusCreated, StatusRunning, StatusConcluded}}
	manager := newTestManager(executor)

	require.NoError(t, manager.Save(context.Background(), "reset_vector"))
	assert.Equal(t, 3, executor.queries)
}

func TestLoadConcludes(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusConcluded}}
	manager := newTestManager(executor)

	require.NoError(t, manager.Load(context.Background(), "reset_vector"))
	assert.Equal(t, "snapshot-load", executor.lastCommands[0])
}

func TestJobIdentifiersStrictlyIncrease(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusConcluded}}
	manager := newTestManager(executor)

	require.NoError(t, manager.Save(context.Background(), "a"))
	require.NoError(t, manager.Load(context.Background(), "a"))
	require.NoError(t, manager.Save(context.Background(), "b"))

	require.Len(t, executor.submitted, 3)

	previous := 0
	for _, jobID := range executor.submitted {
		parts := strings.SplitN(jobID, "-", 2)
		require.Len(t, parts, 2, jobID)

		counter, err := strconv.Atoi(parts[1])
		require.NoError(t, err, jobID)
		assert.Greater(t, counter, previous, "job ids must strictly increase")
		previous = counter
	}
}

func TestFailedJobRaisesJobErrorAndStopsPolling(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusRunning, StatusFailed}}
	manager := newTestManager(executor)

	err := manager.Save(context.Background(), "reset_vector")
	require.ErrorIs(t, err, ErrJobReachedBadState)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, StatusFailed, jobErr.Job.Status)
	assert.Equal(t, "Device has no medium", jobErr.Job.Error)
	assert.Equal(t, executor.submitted[0], jobErr.Job.ID)

	// No further status queries once a terminal state is observed; the job is
	// still dismissed.
	assert.Equal(t, 2, executor.queries)
	assert.Equal(t, executor.submitted, executor.dismissed)
}

func TestAbortedJobRaisesJobError(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusAborting, StatusAborted}}
	manager := newTestManager(executor)

	err := manager.Load(context.Background(), "reset_vector")
	require.ErrorIs(t, err, ErrJobReachedBadState)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, StatusAborted, jobErr.Job.Status)
}

func TestPollTimeout(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusRunning}}
	manager := newTestManager(executor)
	manager.PollTimeout = 10 * time.Millisecond

	err := manager.Save(context.Background(), "reset_vector")
	assert.ErrorIs(t, err, ErrJobTimedOut)
}

func TestConcludedJobIsDismissed(t *testing.T) {
	executor := &scriptedExecutor{statuses: []string{StatusConcluded}}
	manager := newTestManager(executor)

	require.NoError(t, manager.Save(context.Background(), "reset_vector"))

	require.Len(t, executor.dismissed, 1)
	assert.Equal(t, executor.submitted[0], executor.dismissed[0])
}

// snapshotStore models a guest whose execution fingerprint can be captured
// and rewound by tag.
type snapshotStore struct {
	fingerprint string
	saved       map[string]string
	lastJobID   string
}

func (s *snapshotStore) Execute(_ context.Context, command string, arguments any) (json.RawMessage, error) {
	switch command {
	case "snapshot-save", "snapshot-load":
		args := arguments.(map[string]any)
		s.lastJobID = args["job-id"].(string)

		tag := args["tag"].(string)
		if command == "snapshot-save" {
			s.saved[tag] = s.fingerprint
		} else {
			s.fingerprint = s.saved[tag]
		}
	case "query-jobs":
		payload, _ := json.Marshal([]Job{{ID: s.lastJobID, Status: StatusConcluded}})

		return payload, nil
	}

	return json.RawMessage(`{}`), nil
}

func TestSaveThenLoadRestoresFingerprint(t *testing.T) {
	store := &snapshotStore{
		fingerprint: "pc=0xfffffff0 probe=0xdeadbeef",
		saved:       map[string]string{},
	}
	manager := newTestManager(store)

	require.NoError(t, manager.Save(context.Background(), "reset_vector"))

	// The guest executes on and diverges from the captured state.
	store.fingerprint = "pc=0x7c00 probe=0x00000000"

	require.NoError(t, manager.Load(context.Background(), "reset_vector"))
	assert.Equal(t, "pc=0xfffffff0 probe=0xdeadbeef", store.fingerprint)
}

func TestSubmissionErrorPropagates(t *testing.T) {
	manager := newTestManager(failingExecutor{})

	err := manager.Save(context.Background(), "reset_vector")
	assert.ErrorIs(t, err, ErrCouldNotSubmitJob)
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, string, any) (json.RawMessage, error) {
	return nil, assert.AnError
}
