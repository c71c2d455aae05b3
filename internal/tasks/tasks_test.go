package tasks

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaterializeSetsFirstTaskInProgress(t *testing.T) {
	s := NewStore(t.TempDir())
	out, err := s.Materialize([]string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, InProgress, out[0].Status)
	require.Equal(t, Pending, out[1].Status)
	require.Equal(t, Pending, out[2].Status)
}

func TestUpdateCompletedAdvancesNextPending(t *testing.T) {
	s := NewStore(t.TempDir())
	initial, err := s.Materialize([]string{"one", "two", "three"})
	require.NoError(t, err)

	updated, err := s.Update(initial[0].ID, Completed)
	require.NoError(t, err)

	inProgressCount := 0
	for _, task := range updated {
		if task.Status == InProgress {
			inProgressCount++
		}
	}
	require.Equal(t, 1, inProgressCount, "at most one task is ever in_progress")
	require.Equal(t, Completed, updated[0].Status)
	require.Equal(t, InProgress, updated[1].Status)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nested"))
	tasks, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestHasPending(t *testing.T) {
	require.True(t, HasPending([]Task{{Status: Pending}}))
	require.False(t, HasPending([]Task{{Status: Completed}}))
}
