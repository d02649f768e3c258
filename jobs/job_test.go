package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionForwardOnly(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusPending}

	require.NoError(t, job.Transition(StatusAssigned))
	require.NoError(t, job.Transition(StatusRunning))
	assert.NotNil(t, job.StartedAt)

	require.NoError(t, job.Transition(StatusCompleted))
	assert.NotNil(t, job.CompletedAt)
}

func TestTransitionRejectsBackwards(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusRunning}
	err := job.Transition(StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRunning, job.Status)
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		job := &Job{ID: "j1", Status: terminal}
		for _, to := range []Status{StatusPending, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled} {
			if to == terminal {
				assert.NoError(t, job.Transition(to), "same-state transition is a no-op")
				continue
			}
			assert.ErrorIs(t, job.Transition(to), ErrInvalidTransition,
				"%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestPendingCanFailDirectly(t *testing.T) {
	// A job with no eligible provider fails without ever being assigned.
	job := &Job{ID: "j1", Status: StatusPending}
	require.NoError(t, job.Transition(StatusFailed))
	assert.True(t, job.Status.Terminal())
}

func TestMultiNode(t *testing.T) {
	assert.False(t, Requirements{}.MultiNode())
	assert.False(t, Requirements{MinWorkers: 1}.MultiNode())
	assert.True(t, Requirements{MinWorkers: 2}.MultiNode())
}

func TestStrategyValid(t *testing.T) {
	assert.True(t, StrategyTensorParallel.Valid())
	assert.True(t, StrategyPipelineParallel.Valid())
	assert.True(t, StrategyDataParallel.Valid())
	assert.False(t, Strategy("round_robin").Valid())
	assert.False(t, Strategy("").Valid())
}
