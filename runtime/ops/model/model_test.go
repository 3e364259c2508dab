package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidGoalTransition(t *testing.T) {
	cases := []struct {
		from, to GoalStatus
		ok       bool
	}{
		{GoalIdentified, GoalApproved, true},
		{GoalIdentified, GoalRejected, true},
		{GoalApproved, GoalCompleted, true},
		{GoalIdentified, GoalCompleted, false},
		{GoalRejected, GoalApproved, false},
		{GoalCompleted, GoalApproved, false},
		{GoalApproved, GoalRejected, false},
		{GoalApproved, GoalApproved, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, ValidGoalTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestValidTaskTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskSkipped, true},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskFailed, true},
		{TaskInProgress, TaskPending, true}, // retry return
		{TaskPending, TaskCompleted, false},
		{TaskCompleted, TaskPending, false},
		{TaskFailed, TaskInProgress, false},
		{TaskSkipped, TaskInProgress, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, ValidTaskTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestRollupStatus(t *testing.T) {
	t.Run("non-terminal tasks defer rollup", func(t *testing.T) {
		_, done := RollupStatus([]Task{
			{Status: TaskCompleted},
			{Status: TaskInProgress},
		})
		require.False(t, done)
	})

	t.Run("all completed", func(t *testing.T) {
		status, done := RollupStatus([]Task{{Status: TaskCompleted}, {Status: TaskCompleted}})
		require.True(t, done)
		require.Equal(t, ProjectCompleted, status)
	})

	t.Run("skipped tasks do not fail the project", func(t *testing.T) {
		status, done := RollupStatus([]Task{{Status: TaskCompleted}, {Status: TaskSkipped}})
		require.True(t, done)
		require.Equal(t, ProjectCompleted, status)
	})

	t.Run("one failure fails the project", func(t *testing.T) {
		status, done := RollupStatus([]Task{{Status: TaskCompleted}, {Status: TaskFailed}})
		require.True(t, done)
		require.Equal(t, ProjectFailed, status)
	})

	t.Run("empty task set completes", func(t *testing.T) {
		status, done := RollupStatus(nil)
		require.True(t, done)
		require.Equal(t, ProjectCompleted, status)
	})
}

func TestRetryableFailure(t *testing.T) {
	require.True(t, RetryableFailure(FailUpstreamUnavailable))
	require.True(t, RetryableFailure(FailRateLimited))
	require.True(t, RetryableFailure(FailTimeout))
	require.False(t, RetryableFailure(FailPolicyDenied))
	require.False(t, RetryableFailure(FailInvalidInput))
	require.False(t, RetryableFailure(FailInternal))
}

func TestFailureCodeFor(t *testing.T) {
	require.Equal(t, FailUpstreamUnavailable, FailureCodeFor(ErrUpstreamUnavailable))
	require.Equal(t, FailPolicyDenied, FailureCodeFor(ErrBudgetExceeded))
	require.Equal(t, FailPolicyDenied, FailureCodeFor(ErrDenied))
	require.Equal(t, FailTimeout, FailureCodeFor(ErrTimeout))
	require.Equal(t, FailInvalidInput, FailureCodeFor(InvalidInputf("bad kind %q", "x")))
	require.Equal(t, FailInternal, FailureCodeFor(ErrInternal))
}
