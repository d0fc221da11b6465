package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralph/internal/config"
	"ralph/internal/notify"
	"ralph/internal/state"
)

// project creates a working copy with prompts and a config whose agent is
// the given shell snippet.
func project(t *testing.T, agentScript string) string {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	dir := t.TempDir()
	ralphDir := filepath.Join(dir, state.Dir)
	require.NoError(t, os.MkdirAll(ralphDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ralphDir, "PROMPT_build.md"), []byte("Build the next task."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ralphDir, "PROMPT_plan.md"), []byte("Write the plan."), 0o644))

	cfg := "agent:\n  command: [\"sh\", \"-c\", " + quoteYAML(agentScript) + "]\n" +
		"loop:\n  agent_timeout: 30s\n"
	require.NoError(t, os.WriteFile(filepath.Join(ralphDir, "config.yaml"), []byte(cfg), 0o644))
	return dir
}

func quoteYAML(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), append([]string{"--log-format", "json"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestBuild_IdleCompletion(t *testing.T) {
	dir := project(t, "echo working")

	code, stdout, stderr := run(t, "-C", dir, "build")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "working")
	assert.Contains(t, stdout, "complete: no new commits")

	st, err := state.NewStore(dir).Load()
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, 2, st.Iteration)
	assert.Equal(t, state.ModeBuild, st.Mode)
}

func TestBuild_MaxIterationsFlag(t *testing.T) {
	dir := project(t, "true")

	code, stdout, stderr := run(t, "-C", dir, "build", "--max-iterations", "1", "--quiet")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "reached max iterations")

	st, err := state.NewStore(dir).Load()
	require.NoError(t, err)
	require.NotNil(t, st.MaxIterations)
	assert.Equal(t, 1, *st.MaxIterations)
	assert.Equal(t, 2, st.Iteration)
}

func TestBuild_FatalAgentExitsNonZero(t *testing.T) {
	dir := project(t, "echo 'segfault' >&2; exit 3")

	code, stdout, _ := run(t, "-C", dir, "plan", "--quiet")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "failed: agent exited with code 3")

	st, err := state.NewStore(dir).Load()
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, state.ModePlan, st.Mode)
}

func TestBuild_DryRunIncludesValidationFailure(t *testing.T) {
	dir := project(t, "exit 99")
	st := state.New(state.ModeBuild, 0, time.Now())
	msg := state.ValidationErrorPrefix + " --- FAIL: TestParse"
	st.LastError = &msg
	st.ErrorCount, st.ConsecutiveErrors = 1, 1
	require.NoError(t, state.NewStore(dir).Save(st))

	code, stdout, stderr := run(t, "-C", dir, "build", "--dry-run")
	require.Equal(t, 0, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "Build the next task."))
	assert.Contains(t, stdout, "<previous-validation-failure>")
	assert.Contains(t, stdout, "--- FAIL: TestParse")

	code, stdout, _ = run(t, "-C", dir, "plan", "--dry-run")
	require.Equal(t, 0, code)
	assert.Equal(t, "Write the plan.\n", stdout, "state from another mode is ignored")
}

func TestStatusCancelClean(t *testing.T) {
	dir := project(t, "true")

	code, stdout, _ := run(t, "-C", dir, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "No loop state")

	require.NoError(t, state.NewStore(dir).Save(state.New(state.ModeBuild, 5, time.Now())))

	code, stdout, _ = run(t, "-C", dir, "status", "--json")
	require.Equal(t, 0, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, true, got["active"])
	assert.Equal(t, "build", got["mode"])
	assert.EqualValues(t, 5, got["max_iterations"])

	code, _, stderr := run(t, "-C", dir, "clean")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "still active")

	code, stdout, _ = run(t, "-C", dir, "cancel")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Cancel requested")

	code, stdout, _ = run(t, "-C", dir, "cancel")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "No active loop")

	code, stdout, _ = run(t, "-C", dir, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "inactive")

	code, stdout, _ = run(t, "-C", dir, "clean")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Removed")
	assert.False(t, state.NewStore(dir).Exists())
}

func TestBranches_NothingToDo(t *testing.T) {
	dir := project(t, "true")
	plan := filepath.Join(dir, "PLAN.md")
	require.NoError(t, os.WriteFile(plan, []byte("## Branch: done\n- [x] shipped\n"), 0o644))

	code, stdout, stderr := run(t, "-C", dir, "branches", "PLAN.md")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "0 succeeded, 0 failed")
}

func TestInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, state.Dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, state.Dir, "config.yaml"), []byte("sandbox:\n  network: open-sesame\n"), 0o644))

	code, _, stderr := run(t, "-C", dir, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "sandbox.network")
}

func TestMissingDirFails(t *testing.T) {
	code, _, stderr := run(t, "-C", filepath.Join(t.TempDir(), "nope"), "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "working copy")
}

func TestNewNotifier_Webhook(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		got <- m
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newNotifier(config.NotifyConfig{WebhookURL: srv.URL}, zerolog.Nop())
	require.NoError(t, n.Notify(context.Background(), notify.EventComplete, notify.Details{Message: "done"}))
	n.Wait()

	select {
	case m := <-got:
		assert.Equal(t, "complete", m["event"])
		assert.Equal(t, "done", m["message"])
	default:
		t.Fatal("webhook was not called")
	}
}

func TestPromptDir(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, filepath.Join("/repo", ".ralph"), promptDir(cfg, "/repo"))
	cfg.Loop.PromptDir = "/etc/ralph"
	assert.Equal(t, "/etc/ralph", promptDir(cfg, "/repo"))
	cfg.Loop.PromptDir = "prompts"
	assert.Equal(t, filepath.Join("/repo", "prompts"), promptDir(cfg, "/repo"))
}

func TestLoopActive(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, loopActive(dir))

	store := state.NewStore(dir)
	require.NoError(t, store.Save(state.New(state.ModeBuild, 0, time.Now())))
	assert.True(t, loopActive(dir))

	_, err := store.Cancel()
	require.NoError(t, err)
	assert.False(t, loopActive(dir))
}
