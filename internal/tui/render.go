package tui

import (
	"fmt"
	"strings"
	"time"

	"ralph/internal/branch"
	"ralph/internal/loop"
	"ralph/internal/state"
)

// RenderState renders a loop state as a labelled block.
func RenderState(st *state.LoopState, now time.Time, s Styles) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(s.Label.Render(label))
		b.WriteString(s.Value.Render(value))
		b.WriteString("\n")
	}

	status := s.Muted.Render(IconWaiting + " inactive")
	if st.Active {
		status = s.Success.Render(IconRunning + " running")
	}
	row("Status", status)
	row("Mode", string(st.Mode))

	iter := fmt.Sprintf("%d", st.Iteration)
	if st.MaxIterations != nil {
		iter = fmt.Sprintf("%d/%d", st.Iteration, *st.MaxIterations)
	}
	row("Iteration", iter)
	row("Started", fmt.Sprintf("%s (%s ago)", st.StartedAt.Local().Format(time.DateTime), FormatDuration(now.Sub(st.StartedAt))))
	if st.LastIterationAt != nil {
		row("Last success", fmt.Sprintf("%s ago", FormatDuration(now.Sub(*st.LastIterationAt))))
	}

	errs := fmt.Sprintf("%d total, %d consecutive", st.ErrorCount, st.ConsecutiveErrors)
	if st.ConsecutiveErrors > 0 {
		errs = s.Warning.Render(errs)
	}
	row("Errors", errs)
	row("Last commit", loop.FormatFingerprint(st.LastCommit))
	row("Idle", fmt.Sprintf("%d", st.IdleIterations))

	if st.LastError != nil {
		b.WriteString("\n")
		b.WriteString(s.Error.Render("Last error"))
		b.WriteString("\n")
		b.WriteString(s.Muted.Render(truncateLines(*st.LastError, 8)))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderReport renders a multi-branch report.
func RenderReport(r branch.Report, s Styles) string {
	var b strings.Builder
	b.WriteString(s.Title.Render("Branch builds"))
	b.WriteString("  ")
	b.WriteString(s.Duration.Render(FormatDuration(r.Duration)))
	b.WriteString("\n\n")

	for _, res := range r.Results {
		icon, style := IconSuccess, s.Success
		if !res.Success {
			icon, style = OutcomeIcon(res.Outcome), s.OutcomeStyle(res.Outcome)
			if res.Outcome == loop.OutcomeCompletion || res.Outcome == loop.OutcomeMaxIterations {
				icon, style = IconFailed, s.Error
			}
		}
		line := style.Render(icon) + " " + s.Branch.Render(res.Branch) +
			" " + s.Muted.Render(fmt.Sprintf("(%d iterations)", res.Iterations))
		if res.PRURL != nil {
			line += " " + s.Subtitle.Render(*res.PRURL)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if res.Error != nil {
			b.WriteString("    ")
			b.WriteString(s.Error.Render(firstLine(*res.Error)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	summary := fmt.Sprintf("%d succeeded, %d failed", r.Succeeded(), r.Failed())
	if r.Failed() > 0 {
		b.WriteString(s.Error.Render(summary))
	} else {
		b.WriteString(s.Success.Render(summary))
	}
	b.WriteString("\n")
	return b.String()
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("(%d earlier lines hidden)\n", len(lines)-n) + strings.Join(lines[len(lines)-n:], "\n")
}
