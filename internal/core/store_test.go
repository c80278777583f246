package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/cmscan/pkg/api"
)

func TestStoreRecordsRuns(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(filepath.Join(t.TempDir(), "state", "ledger.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(ctx))

	id, err := st.BeginRun(ctx, "scan.yaml", 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	results := []JobResult{
		{Seq: 0, Job: "a", Input: "/data/a.slha", Status: api.RunSucceeded, Elapsed: 1500 * time.Millisecond, Summary: "Finished running a"},
		{Seq: 1, Job: "b", Input: "/data/b.slha", Status: api.RunFailed, ExitCode: 2, Err: errors.New("tool exited with status 2"), Summary: "---- b failed"},
	}
	require.NoError(t, st.RecordResults(ctx, id, results))

	runs, err := st.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "scan.yaml", runs[0].ConfigPath)
	assert.Equal(t, 2, runs[0].JobCount)
	assert.False(t, runs[0].FinishedAt.IsZero())

	jobs, err := st.Jobs(ctx, id)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, api.JobSummary{Name: "a", Input: "/data/a.slha", Status: api.RunSucceeded, ElapsedMS: 1500, Summary: "Finished running a"}, jobs[0])
	assert.Equal(t, api.RunFailed, jobs[1].Status)
	assert.Equal(t, 2, jobs[1].ExitCode)
	assert.Equal(t, "tool exited with status 2", jobs[1].Error)
}

func TestStoreRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := NewStore(path)
	require.NoError(t, err)

	first, err := st.BeginRun(ctx, "one.yaml", 0)
	require.NoError(t, err)
	second, err := st.BeginRun(ctx, "two.yaml", 0)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewStore(path)
	require.NoError(t, err, "reopening applies the schema idempotently")
	defer st.Close()

	runs, err := st.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)
	assert.True(t, runs[1].FinishedAt.IsZero(), "unfinished runs have no end time")

	runs, err = st.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	jobs, err := st.Jobs(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStoreRejectsUnfinishedJobs(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer st.Close()

	id, err := st.BeginRun(ctx, "scan.yaml", 1)
	require.NoError(t, err)
	err = st.RecordResults(ctx, id, []JobResult{{Job: "a", Status: api.RunRunning}})
	require.Error(t, err)

	jobs, err := st.Jobs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, jobs, "a rejected batch leaves nothing behind")
}
