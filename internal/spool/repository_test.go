package spool

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepository(t *testing.T) *JobRepository {
	r, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateAndGetJob(t *testing.T) {
	r := openTestRepository(t)

	j := Job{
		Uuid:        uuid.New(),
		SubmittedAt: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Rows:        240,
		State:       StateRunning,
	}
	err := r.Transact(func(tx *sql.Tx) error {
		return r.Create(tx, &j)
	})
	require.NoError(t, err)

	got, err := r.Get(j.Uuid)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.Uuid, got.Uuid)
	assert.Equal(t, 240, got.Rows)
	assert.Equal(t, StateRunning, got.State)
	assert.True(t, got.SubmittedAt.Equal(j.SubmittedAt))
}

func TestGetMissingJobReturnsNil(t *testing.T) {
	r := openTestRepository(t)

	got, err := r.Get(uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetStateUpdatesJob(t *testing.T) {
	r := openTestRepository(t)

	j := Job{Uuid: uuid.New(), SubmittedAt: time.Now(), Rows: 1, State: StateRunning}
	err := r.Transact(func(tx *sql.Tx) error {
		return r.Create(tx, &j)
	})
	require.NoError(t, err)

	err = r.Transact(func(tx *sql.Tx) error {
		return r.SetState(tx, j.Uuid, StateFailed, "printer is out of paper")
	})
	require.NoError(t, err)

	got, err := r.Get(j.Uuid)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "printer is out of paper", got.Error)
}

func TestSetStateOnMissingJobFails(t *testing.T) {
	r := openTestRepository(t)

	err := r.Transact(func(tx *sql.Tx) error {
		return r.SetState(tx, uuid.New(), StateSucceeded, "")
	})
	assert.Error(t, err)
}

func TestListReturnsNewestFirst(t *testing.T) {
	r := openTestRepository(t)

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	ids := make([]uuid.UUID, 3)
	for n := range ids {
		ids[n] = uuid.New()
		j := Job{Uuid: ids[n], SubmittedAt: base.Add(time.Duration(n) * time.Minute), Rows: n, State: StateSucceeded}
		err := r.Transact(func(tx *sql.Tx) error {
			return r.Create(tx, &j)
		})
		require.NoError(t, err)
	}

	jobs, err := r.List(10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].Uuid)
	assert.Equal(t, ids[0], jobs[2].Uuid)

	jobs, err = r.List(2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
