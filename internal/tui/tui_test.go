package tui

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralph/internal/branch"
	"ralph/internal/loop"
	"ralph/internal/state"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func sampleState() *state.LoopState {
	st := state.New(state.ModeBuild, 10, fixedNow().Add(-90*time.Second))
	st.Iteration = 4
	st.ErrorCount = 2
	st.ConsecutiveErrors = 1
	fp := "0123456789abcdef"
	st.LastCommit = &fp
	msg := state.ValidationErrorPrefix + " FAIL: TestLogin"
	st.LastError = &msg
	return st
}

func TestModel_StateMessages(t *testing.T) {
	m := NewModel(state.NewStore(t.TempDir()))
	m.now = fixedNow

	assert.Contains(t, m.View(), "Loading...")

	updated, _ := m.Update(stateMsg{err: state.ErrNotFound})
	assert.Contains(t, updated.View(), "No loop state yet")

	updated, _ = m.Update(stateMsg{st: sampleState()})
	view := updated.View()
	assert.Contains(t, view, "4/10")
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "2 total, 1 consecutive")
	assert.Contains(t, view, "0123456789ab")
	assert.Contains(t, view, "FAIL: TestLogin")
	assert.Contains(t, view, "1m30s ago")

	updated, _ = m.Update(stateMsg{err: errors.New("yaml: bad indent")})
	view = updated.View()
	assert.Contains(t, view, "yaml: bad indent")
	assert.Contains(t, view, "4/10", "last good state stays visible")
}

func TestModel_Keys(t *testing.T) {
	m := NewModel(state.NewStore(t.TempDir()))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	msg, ok := cmd().(stateMsg)
	require.True(t, ok)
	assert.ErrorIs(t, msg.err, state.ErrNotFound)
}

func TestModel_TickReschedules(t *testing.T) {
	m := NewModel(state.NewStore(t.TempDir()))
	_, cmd := m.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestForwardChanges(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)
	require.NoError(t, store.Save(state.New(state.ModePlan, 0, time.Now())))

	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Add(filepath.Dir(store.Path())))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	changed := make(chan struct{}, 16)
	go forwardChanges(ctx, w, store.Path(), zerolog.Nop(), func() { changed <- struct{}{} })

	_, err = store.Cancel()
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification after the state file was rewritten")
	}
}

func TestRenderReport(t *testing.T) {
	msg := "failed: agent failed: boom"
	url := "https://github.com/acme/repo/pull/7"
	r := branch.Report{
		Duration: 95 * time.Second,
		Results: []branch.BranchResult{
			{Branch: "feature/a", Success: true, Iterations: 3, Outcome: loop.OutcomeCompletion, PRURL: &url},
			{Branch: "feature/b", Iterations: 2, Outcome: loop.OutcomeFatal, Error: &msg},
		},
	}
	out := RenderReport(r, DefaultStyles())
	assert.Contains(t, out, "feature/a")
	assert.Contains(t, out, url)
	assert.Contains(t, out, "feature/b")
	assert.Contains(t, out, "agent failed: boom")
	assert.Contains(t, out, "1 succeeded, 1 failed")
	assert.Contains(t, out, "1m35s")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(-time.Second))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "3m05s", FormatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h07m", FormatDuration(2*time.Hour+7*time.Minute))
}

func TestTruncateLines(t *testing.T) {
	assert.Equal(t, "a\nb", truncateLines("a\nb\n", 3))
	assert.Equal(t, "(2 earlier lines hidden)\nc\nd", truncateLines("a\nb\nc\nd", 2))
}

func TestOutcomeIcon(t *testing.T) {
	assert.Equal(t, IconSuccess, OutcomeIcon(loop.OutcomeCompletion))
	assert.Equal(t, IconFailed, OutcomeIcon(loop.OutcomeFatal))
	assert.Equal(t, IconCancelled, OutcomeIcon(loop.OutcomeCancelled))
}
