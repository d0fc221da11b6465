package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"ralph/internal/agent"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestManager(t *testing.T, fc *fakeClient, cfg Config) *Manager {
	t.Helper()
	cfg.Sleep = noSleep
	m, err := NewManager(fc, cfg)
	require.NoError(t, err)
	return m
}

func TestParseLimits(t *testing.T) {
	l, err := ParseLimits("8g", "4")
	require.NoError(t, err)
	assert.Equal(t, int64(8*1024*1024*1024), l.MemoryBytes)
	assert.Equal(t, int64(4_000_000_000), l.NanoCPUs)

	l, err = ParseLimits("512m", "1.5")
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), l.MemoryBytes)
	assert.Equal(t, int64(1_500_000_000), l.NanoCPUs)

	l, err = ParseLimits("", "")
	require.NoError(t, err)
	assert.Zero(t, l)

	_, err = ParseLimits("lots", "")
	require.Error(t, err)
	_, err = ParseLimits("", "-1")
	require.Error(t, err)
}

func TestEnsureHealthy_ExitedIsRestarted(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{})
	id, err := m.CreatePersistent(context.Background(), "/repo")
	require.NoError(t, err)
	fc.containers[id].status = StatusExited

	require.NoError(t, m.EnsureHealthy(context.Background(), id))
	st, err := fc.Inspect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)
}

func TestEnsureHealthy_RestartFailureIsFatal(t *testing.T) {
	fc := newFakeClient()
	fc.restartErr = errors.New("engine said no")
	m := newTestManager(t, fc, Config{})
	id, _ := m.CreatePersistent(context.Background(), "/repo")
	fc.containers[id].status = StatusExited

	err := m.EnsureHealthy(context.Background(), id)
	var he *HealthError
	require.ErrorAs(t, err, &he)
	assert.False(t, he.Unrecoverable)
	assert.Contains(t, err.Error(), "engine said no")
}

func TestEnsureHealthy_RestartDoesNotComeBack(t *testing.T) {
	fc := newFakeClient()
	fc.afterRestart = StatusExited
	m := newTestManager(t, fc, Config{})
	id, _ := m.CreatePersistent(context.Background(), "/repo")
	fc.containers[id].status = StatusCreated

	var he *HealthError
	require.ErrorAs(t, m.EnsureHealthy(context.Background(), id), &he)
	assert.Equal(t, StatusExited, he.Status)
}

func TestEnsureHealthy_States(t *testing.T) {
	tests := []struct {
		name          string
		seq           []Status
		wantErr       bool
		unrecoverable bool
	}{
		{"running", []Status{StatusRunning}, false, false},
		{"paused", []Status{StatusPaused}, false, false},
		{"restarting then running", []Status{StatusRestarting, StatusRunning}, false, false},
		{"restarting then dead", []Status{StatusRestarting, StatusDead}, true, false},
		{"dead", []Status{StatusDead}, true, true},
		{"removing", []Status{StatusRemoving}, true, true},
		{"empty", []Status{StatusUnknown}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeClient()
			m := newTestManager(t, fc, Config{})
			id, err := m.CreatePersistent(context.Background(), "/repo")
			require.NoError(t, err)
			fc.statusSeq[id] = tt.seq

			err = m.EnsureHealthy(context.Background(), id)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var he *HealthError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.unrecoverable, he.Unrecoverable)
		})
	}
}

func TestEnsureHealthy_InspectError(t *testing.T) {
	m := newTestManager(t, newFakeClient(), Config{})
	var he *HealthError
	require.ErrorAs(t, m.EnsureHealthy(context.Background(), "missing"), &he)
	assert.True(t, he.Unrecoverable)
}

func TestRun_EphemeralContainerRemoved(t *testing.T) {
	fc := newFakeClient()
	fc.execFn = func(_ context.Context, spec ExecSpec, out io.Writer) (int, error) {
		io.WriteString(out, "stdout;")
		io.WriteString(out, "stderr")
		return 0, nil
	}
	m := newTestManager(t, fc, Config{
		Image:        "agent:test",
		Memory:       "2g",
		CPUs:         "2",
		AgentCommand: []string{"agent", "--print"},
	})

	out, err := m.Run(context.Background(), "/repo", "build it", "")
	require.NoError(t, err)
	assert.Equal(t, "stdout;stderr", out)
	assert.Zero(t, fc.live(), "ephemeral container must be removed")

	require.Len(t, fc.created, 1)
	spec := fc.created[0]
	assert.Equal(t, "agent:test", spec.Image)
	assert.Equal(t, "/repo", spec.WorkDir)
	assert.Equal(t, "true", spec.Labels[LabelManaged])
	assert.Equal(t, "/repo", spec.Labels[LabelWorkDir])
	assert.Equal(t, int64(2_000_000_000), spec.Limits.NanoCPUs)
	assert.True(t, strings.HasPrefix(spec.Name, "ralph-"))

	require.Len(t, fc.execs, 1)
	assert.Equal(t, []string{"agent", "--print", "build it"}, fc.execs[0].Cmd)
	assert.Equal(t, WorkspaceMount, fc.execs[0].WorkDir)
}

func TestRun_RemovesEphemeralOnFailure(t *testing.T) {
	fc := newFakeClient()
	fc.execFn = func(context.Context, ExecSpec, io.Writer) (int, error) {
		return -1, errors.New("stream broke")
	}
	m := newTestManager(t, fc, Config{})
	_, err := m.Run(context.Background(), "/repo", "p", "")
	require.Error(t, err)
	assert.Zero(t, fc.live())
}

func TestRun_NonZeroExit(t *testing.T) {
	fc := newFakeClient()
	fc.execFn = func(_ context.Context, _ ExecSpec, out io.Writer) (int, error) {
		io.WriteString(out, "429 Too Many Requests")
		return 1, nil
	}
	m := newTestManager(t, fc, Config{})
	_, err := m.Run(context.Background(), "/repo", "p", "")
	require.Error(t, err)
	assert.True(t, agent.IsRateLimit(err))
}

func TestRun_TimeoutKillsContainer(t *testing.T) {
	fc := newFakeClient()
	fc.execFn = func(ctx context.Context, _ ExecSpec, out io.Writer) (int, error) {
		io.WriteString(out, "partial")
		<-ctx.Done()
		return -1, ctx.Err()
	}
	m := newTestManager(t, fc, Config{Timeout: 50 * time.Millisecond})
	id, err := m.CreatePersistent(context.Background(), "/repo")
	require.NoError(t, err)

	out, err := m.Run(context.Background(), "/repo", "p", id)
	require.Error(t, err)
	assert.True(t, agent.IsTimeout(err))
	assert.Equal(t, "partial", out)
	assert.Equal(t, []string{id}, fc.kills)
	assert.Equal(t, 1, fc.live(), "persistent container is left for its owner")
}

func TestRun_DenyPolicy(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{Network: NetworkDeny})
	_, err := m.Run(context.Background(), "/repo", "p", "")
	require.NoError(t, err)
	assert.Equal(t, "none", fc.created[0].NetworkMode)
	assert.Empty(t, fc.created[0].CapAdd)
}

func TestRun_AllowlistAppliesFirewallOnce(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{
		Network:        NetworkAllowlist,
		AllowedDomains: []string{"github.com", "bad;rm -rf /"},
	})
	id, err := m.CreatePersistent(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"NET_ADMIN"}, fc.created[0].CapAdd)

	for i := 0; i < 2; i++ {
		_, err := m.Run(context.Background(), "/repo", "p", id)
		require.NoError(t, err)
	}

	var firewall []ExecSpec
	for _, e := range fc.execs {
		if e.User == "root" {
			firewall = append(firewall, e)
		}
	}
	require.Len(t, firewall, 1)
	script := firewall[0].Cmd[2]
	assert.Contains(t, script, "'github.com'")
	assert.NotContains(t, script, "rm -rf")
}

func TestCleanupOrphaned(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{})
	_, err := m.CreatePersistent(context.Background(), "/a")
	require.NoError(t, err)
	_, err = m.CreatePersistent(context.Background(), "/b")
	require.NoError(t, err)

	n, err := m.CleanupOrphaned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, fc.live())
}

func TestCleanupOrphaned_SkipsActiveLoops(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{
		InUse: func(workDir string) bool { return workDir == "/busy" },
	})
	busy, err := m.CreatePersistent(context.Background(), "/busy")
	require.NoError(t, err)
	_, err = m.CreatePersistent(context.Background(), "/stale")
	require.NoError(t, err)

	n, err := m.CleanupOrphaned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fc.live())
	assert.NotContains(t, fc.removed, busy)
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	_, err := NewManager(newFakeClient(), Config{Memory: "huge"})
	require.Error(t, err)
	_, err = NewManager(newFakeClient(), Config{Network: "sometimes"})
	require.Error(t, err)
	_, err = NewManager(nil, Config{Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestExecutor_ReusesAndReplacesUnhealthy(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{})
	e := NewExecutor(m, true)
	ctx := context.Background()

	_, err := e.Execute(ctx, "/repo", "p1")
	require.NoError(t, err)
	first := e.Container()
	_, err = e.Execute(ctx, "/repo", "p2")
	require.NoError(t, err)
	assert.Equal(t, first, e.Container())
	assert.Len(t, fc.created, 1)

	fc.statusSeq[first] = []Status{StatusDead}
	_, err = e.Execute(ctx, "/repo", "p3")
	require.NoError(t, err)
	assert.NotEqual(t, first, e.Container())
	assert.Contains(t, fc.removed, first)

	require.NoError(t, e.Close(ctx))
	assert.Zero(t, fc.live())
	assert.Empty(t, e.Container())
}

func TestExecutor_FirewallReappliedAfterTimeoutRestart(t *testing.T) {
	fc := newFakeClient()
	var agentRuns int
	fc.execFn = func(ctx context.Context, _ ExecSpec, out io.Writer) (int, error) {
		agentRuns++
		if agentRuns == 1 {
			<-ctx.Done()
			return -1, ctx.Err()
		}
		io.WriteString(out, "ok")
		return 0, nil
	}
	m := newTestManager(t, fc, Config{
		Network:        NetworkAllowlist,
		AllowedDomains: []string{"github.com"},
		Timeout:        50 * time.Millisecond,
	})
	e := NewExecutor(m, true)
	ctx := context.Background()

	_, err := e.Execute(ctx, "/repo", "p1")
	require.Error(t, err)
	assert.True(t, agent.IsTimeout(err))
	require.Len(t, fc.kills, 1)

	_, err = e.Execute(ctx, "/repo", "p2")
	require.NoError(t, err)
	assert.Len(t, fc.created, 1, "killed container is restarted, not replaced")

	var firewall int
	for _, spec := range fc.execs {
		if spec.User == "root" {
			firewall++
		}
	}
	assert.Equal(t, 2, firewall, "restarted container gets the rules again")
	assert.Equal(t, 2, agentRuns)
}

func TestEnsureHealthy_RestartForgetsFirewall(t *testing.T) {
	fc := newFakeClient()
	m := newTestManager(t, fc, Config{Network: NetworkAllowlist, AllowedDomains: []string{"github.com"}})
	id, err := m.CreatePersistent(context.Background(), "/repo")
	require.NoError(t, err)
	_, err = m.Run(context.Background(), "/repo", "p", id)
	require.NoError(t, err)

	fc.statusSeq[id] = []Status{StatusExited}
	require.NoError(t, m.EnsureHealthy(context.Background(), id))
	m.mu.Lock()
	assert.False(t, m.firewalled[id])
	m.mu.Unlock()
}

func TestExecutor_EphemeralPerIteration(t *testing.T) {
	fc := newFakeClient()
	e := NewExecutor(newTestManager(t, fc, Config{}), false)
	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), "/repo", "p")
		require.NoError(t, err)
	}
	assert.Len(t, fc.created, 3)
	assert.Zero(t, fc.live())
	require.NoError(t, e.Close(context.Background()))
}
