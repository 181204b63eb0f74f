package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	result, err := New().Run(context.Background(), Params{Command: []string{"true"}})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunNonzeroExit(t *testing.T) {
	result, err := New().Run(context.Background(), Params{Command: []string{"false"}})
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.True(t, result.HasCode(RE))
}

func TestRunCapturesOutput(t *testing.T) {
	result, err := New().Run(context.Background(), Params{Command: []string{"echo", "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(result.Stdout))
}

func TestRunWallTimeout(t *testing.T) {
	result, err := New().Run(context.Background(), Params{
		Command: []string{"sleep", "10"},
		Limits:  Limits{WallTimeLimit: 100 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.True(t, result.HasCode(WT))
	assert.True(t, result.HasCode(TO))
}

func TestRunCPUTimeout(t *testing.T) {
	result, err := New().Run(context.Background(), Params{
		Command: []string{"bash", "-c", "x=0; while true; do x=$((x+1)); done"},
		Limits:  Limits{TimeLimit: 200 * time.Millisecond, WallTimeLimit: 5 * time.Second},
	})
	require.NoError(t, err)
	assert.True(t, result.HasCode(TO))
}

func TestStartWaitSplit(t *testing.T) {
	h, err := New().Start(context.Background(), Params{Command: []string{"echo", "hi"}}, nil)
	require.NoError(t, err)
	assert.NotZero(t, h.Process().Pid)
	result, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(result.Stdout))
}

func TestJoinProcessGroupSharesGroupWithLeader(t *testing.T) {
	r := New()
	leader, err := r.Start(context.Background(), Params{Command: []string{"sleep", "5"}}, nil)
	require.NoError(t, err)
	member, err := r.Start(context.Background(), Params{
		Command:          []string{"sleep", "5"},
		JoinProcessGroup: leader.Process().Pid,
	}, nil)
	require.NoError(t, err)

	r.TerminateAll()
	leaderResult, err := leader.Wait()
	require.NoError(t, err)
	memberResult, err := member.Wait()
	require.NoError(t, err)
	assert.True(t, leaderResult.HasCode(SG))
	assert.True(t, memberResult.HasCode(SG))
}

func TestTerminateAllKillsLongRunningProcess(t *testing.T) {
	r := New()
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), Params{Command: []string{"sleep", "30"}})
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	r.TerminateAll()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated")
	}
}
