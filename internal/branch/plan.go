// Package branch runs one build loop per branch of a multi-branch plan, each
// in its own git worktree.
package branch

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Task is one checklist item of a branch section.
type Task struct {
	Text string
	Done bool
}

// BranchSection is one "## Branch: <name>" block of a plan.
type BranchSection struct {
	Name  string
	Goal  string
	Base  string // empty means the configured default base
	Tasks []Task
}

// Incomplete reports whether any task is still open.
func (s BranchSection) Incomplete() bool {
	for _, t := range s.Tasks {
		if !t.Done {
			return true
		}
	}
	return false
}

// OpenTasks returns the text of the unchecked tasks.
func (s BranchSection) OpenTasks() []string {
	var open []string
	for _, t := range s.Tasks {
		if !t.Done {
			open = append(open, t.Text)
		}
	}
	return open
}

const branchHeading = "## Branch:"

// LoadPlan reads and parses the plan at path.
func LoadPlan(path string) ([]BranchSection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return ParsePlan(string(data))
}

// ParsePlan extracts branch sections from a markdown plan:
//
//	## Branch: feature/login
//	Goal: add a login form
//	Base: develop
//	- [ ] build the form
//	- [x] add the route
//
// Any other level-two heading ends the current section. Content before the
// first branch heading is ignored.
func ParsePlan(text string) ([]BranchSection, error) {
	var (
		sections []BranchSection
		current  *BranchSection
		seen     = map[string]int{}
	)
	flush := func() {
		if current != nil {
			sections = append(sections, *current)
			current = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())

		if strings.HasPrefix(line, branchHeading) {
			flush()
			name := strings.TrimSpace(strings.TrimPrefix(line, branchHeading))
			if name == "" {
				return nil, fmt.Errorf("line %d: branch heading without a name", lineNo)
			}
			if prev, ok := seen[name]; ok {
				return nil, fmt.Errorf("line %d: branch %q already declared on line %d", lineNo, name, prev)
			}
			seen[name] = lineNo
			current = &BranchSection{Name: name}
			continue
		}
		if strings.HasPrefix(line, "## ") || line == "##" || strings.HasPrefix(line, "# ") {
			flush()
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case hasFieldPrefix(line, "Goal:"):
			current.Goal = fieldValue(line, "Goal:")
		case hasFieldPrefix(line, "Base:"):
			current.Base = fieldValue(line, "Base:")
		default:
			if task, ok := parseTask(line); ok {
				current.Tasks = append(current.Tasks, task)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning plan: %w", err)
	}
	flush()
	return sections, nil
}

// Incomplete keeps the sections with at least one open task.
func Incomplete(sections []BranchSection) []BranchSection {
	var out []BranchSection
	for _, s := range sections {
		if s.Incomplete() {
			out = append(out, s)
		}
	}
	return out
}

func hasFieldPrefix(line, field string) bool {
	line = strings.TrimLeft(line, "*_")
	return strings.HasPrefix(strings.ToLower(line), strings.ToLower(field))
}

// fieldValue strips the field label and any markdown bold markers around it.
func fieldValue(line, field string) string {
	line = strings.TrimLeft(line, "*_")
	v := line[len(field):]
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), "*_"))
}

func parseTask(line string) (Task, bool) {
	for _, bullet := range []string{"- ", "* "} {
		if !strings.HasPrefix(line, bullet) {
			continue
		}
		rest := strings.TrimPrefix(line, bullet)
		switch {
		case strings.HasPrefix(rest, "[ ]"):
			return Task{Text: strings.TrimSpace(rest[3:])}, true
		case strings.HasPrefix(rest, "[x]"), strings.HasPrefix(rest, "[X]"):
			return Task{Text: strings.TrimSpace(rest[3:]), Done: true}, true
		}
	}
	return Task{}, false
}
