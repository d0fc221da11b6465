package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ralph/internal/state"
)

// PromptSource returns the base prompt for a mode.
type PromptSource interface {
	Prompt(mode state.Mode) (string, error)
}

// FilePrompts reads PROMPT_<mode>.md from Dir.
type FilePrompts struct {
	Dir string
}

// PromptPath returns the file the prompt for mode is read from.
func (f FilePrompts) PromptPath(mode state.Mode) string {
	return filepath.Join(f.Dir, fmt.Sprintf("PROMPT_%s.md", mode))
}

// Prompt implements PromptSource.
func (f FilePrompts) Prompt(mode state.Mode) (string, error) {
	path := f.PromptPath(mode)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("prompt %s is empty", path)
	}
	return text, nil
}

// StaticPrompt always returns the same text.
type StaticPrompt string

// Prompt implements PromptSource.
func (s StaticPrompt) Prompt(state.Mode) (string, error) { return string(s), nil }

const (
	validationBlockStart = "<previous-validation-failure>"
	validationBlockEnd   = "</previous-validation-failure>"
)

// BuildPrompt appends the previous iteration's validation failure, if any, to
// the base prompt so the agent can fix it.
func BuildPrompt(base string, st *state.LoopState) string {
	if st == nil || !st.HasValidationError() {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")
	b.WriteString(validationBlockStart)
	b.WriteString("\nThe validation command failed after the previous iteration. ")
	b.WriteString("Fix these problems before doing anything else:\n\n")
	b.WriteString(st.ValidationOutput())
	b.WriteString("\n")
	b.WriteString(validationBlockEnd)
	b.WriteString("\n")
	return b.String()
}
