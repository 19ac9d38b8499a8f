package subchain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestJobTransitions checks the job state machine.
func TestJobTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		path  []JobState
		valid []bool
	}{{
		name:  "start, reorg, resume",
		path:  []JobState{JobNormal, JobReorg, JobNormal},
		valid: []bool{true, true, true},
	}, {
		name:  "reorg before start",
		path:  []JobState{JobReorg, JobNormal, JobReorg},
		valid: []bool{false, true, true},
	}, {
		name:  "shutdown is terminal",
		path:  []JobState{JobNormal, JobShutdown, JobNormal, JobReorg},
		valid: []bool{true, true, false, false},
	}, {
		name:  "no repeated states",
		path:  []JobState{JobNormal, JobNormal, JobReorg, JobReorg},
		valid: []bool{true, false, true, false},
	}, {
		name:  "shutdown from init",
		path:  []JobState{JobShutdown, JobInit},
		valid: []bool{true, false},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			for _, kind := range jobKinds {
				j := newJob(kind)
				require.Equal(t, kind, j.Kind())

				for i, next := range test.path {
					before := j.State()
					ok := j.ChangeState(next)
					require.Equal(t, test.valid[i], ok,
						"%v: %v -> %v", kind, before,
						next)

					if ok {
						require.Equal(t, next, j.State())
					} else {
						require.Equal(t, before,
							j.State())
					}
				}
			}
		})
	}
}

// TestSubchainTransitions checks the subchain lifecycle table.
func TestSubchainTransitions(t *testing.T) {
	t.Parallel()

	valid := [][2]State{
		{Normal, PreReorg},
		{PreReorg, Reorg},
		{Reorg, Reorg},
		{Reorg, PostReorg},
		{PostReorg, Normal},
		{Normal, PreShutdown},
		{Reorg, PreShutdown},
		{PreShutdown, Shutdown},
	}
	for _, v := range valid {
		require.True(t, allowed(stateTransitions, v[0], v[1]),
			"%v -> %v", v[0], v[1])
	}

	invalid := [][2]State{
		{Normal, Reorg},
		{Normal, PostReorg},
		{PreReorg, Normal},
		{Reorg, Normal},
		{PostReorg, Reorg},
		{Shutdown, Normal},
		{PreShutdown, Normal},
		{Normal, Shutdown},
	}
	for _, v := range invalid {
		require.False(t, allowed(stateTransitions, v[0], v[1]),
			"%v -> %v", v[0], v[1])
	}
}
