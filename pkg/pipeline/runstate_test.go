package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateLifecycle(t *testing.T) {
	var s RunState
	assert.False(t, s.Running())
	assert.Nil(t, s.Done(), "idle state has no cancel channel")

	s.Cancel()
	assert.False(t, s.CancelRequested(), "cancel while idle is ignored")

	require.True(t, s.begin())
	assert.False(t, s.begin(), "only one run at a time")
	assert.True(t, s.Running())

	done := s.Done()
	select {
	case <-done:
		t.Fatal("done closed before cancel")
	default:
	}

	s.Cancel()
	s.Cancel()
	assert.True(t, s.CancelRequested())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after cancel")
	}

	s.reset()
	assert.Equal(t, Snapshot{Phase: PhaseIdle}, s.Snapshot())
}

func TestRunStateConcurrentCancel(t *testing.T) {
	var s RunState
	require.True(t, s.begin())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel()
			_ = s.CancelRequested()
			_ = s.Phase()
		}()
	}
	wg.Wait()
	assert.True(t, s.CancelRequested())
}

func TestRunStateStaleCancelIgnored(t *testing.T) {
	var s RunState
	require.True(t, s.begin())
	first := s.generation()
	s.reset()

	require.True(t, s.begin())
	s.cancelRun(first)
	assert.False(t, s.CancelRequested(), "a cancel for a finished run must not reach the next one")

	s.cancelRun(s.generation())
	assert.True(t, s.CancelRequested())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "affine-running", PhaseAffineRunning.String())
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestNewWorkDirIsFresh(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local)
	id := uuid.New()

	dir, err := NewWorkDir(root, now, id)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, "20250102_030405_000-"+id.String()[:8], WorkDirName(now, id))

	_, err = NewWorkDir(root, now, id)
	assert.Error(t, err, "an existing working directory must not be reused")
}
