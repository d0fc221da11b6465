package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ralph/internal/state"
)

// tickInterval refreshes relative times between state changes.
const tickInterval = time.Second

// Model is the Bubble Tea model for `ralph watch`.
type Model struct {
	store   *state.Store
	styles  Styles
	now     func() time.Time
	st      *state.LoopState
	err     error
	updated time.Time
	width   int
}

// Compile-time interface compliance check
var _ tea.Model = (*Model)(nil)

// Message types for TUI updates
type (
	stateMsg struct {
		st  *state.LoopState
		err error
	}
	tickMsg time.Time
)

// NewModel returns a model showing the state file of store.
func NewModel(store *state.Store) *Model {
	return &Model{store: store, styles: DefaultStyles(), now: time.Now}
}

func (m *Model) loadCmd() tea.Cmd {
	return func() tea.Msg { return m.load() }
}

func (m *Model) load() tea.Msg {
	st, err := m.store.Load()
	return stateMsg{st: st, err: err}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), tick())
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case stateMsg:
		m.updated = m.now()
		m.err = msg.err
		if msg.err == nil {
			m.st = msg.st
		} else if errors.Is(msg.err, state.ErrNotFound) {
			m.st = nil
		}
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

// View implements tea.Model
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("⚡ RALPH"))
	b.WriteString(" ")
	b.WriteString(m.styles.Subtitle.Render(m.store.Path()))
	b.WriteString("\n\n")

	switch {
	case errors.Is(m.err, state.ErrNotFound):
		b.WriteString(m.styles.Muted.Render("No loop state yet. Waiting for `ralph plan` or `ralph build`..."))
		b.WriteString("\n")
	case m.err != nil:
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
		if m.st != nil {
			b.WriteString("\n")
			b.WriteString(RenderState(m.st, m.now(), m.styles))
		}
	case m.st != nil:
		b.WriteString(RenderState(m.st, m.now(), m.styles))
	default:
		b.WriteString(m.styles.Muted.Render("Loading..."))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	footer := "q quit · r reload"
	if !m.updated.IsZero() {
		footer += " · updated " + FormatDuration(m.now().Sub(m.updated)) + " ago"
	}
	b.WriteString(m.styles.Muted.Render(footer))
	return b.String()
}

// Watch runs the status view until the user quits or ctx is cancelled. The
// view reloads whenever the state file changes on disk.
func Watch(ctx context.Context, store *state.Store, log zerolog.Logger) error {
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	// The store replaces the file by rename, so watch the directory.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(store)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	go forwardChanges(ctx, w, store.Path(), log, func() { p.Send(m.load()) })

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// forwardChanges calls changed whenever path is created, written or replaced.
func forwardChanges(ctx context.Context, w *fsnotify.Watcher, path string, log zerolog.Logger, changed func()) {
	path = filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			changed()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}
