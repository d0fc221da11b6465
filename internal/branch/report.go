package branch

import (
	"fmt"
	"strings"
	"time"

	"ralph/internal/loop"
)

// BranchResult is produced once per branch build.
type BranchResult struct {
	Branch     string           `json:"branch"`
	Success    bool             `json:"success"`
	Iterations int              `json:"iterations"`
	Outcome    loop.OutcomeKind `json:"outcome"`
	Error      *string          `json:"error,omitempty"`
	PRURL      *string          `json:"pr_url,omitempty"`
}

func failed(branch string, err error) BranchResult {
	msg := err.Error()
	return BranchResult{Branch: branch, Outcome: loop.OutcomeFatal, Error: &msg}
}

// Report aggregates every branch of a run.
type Report struct {
	Results  []BranchResult `json:"results"`
	Duration time.Duration  `json:"duration_ns"`
}

// Succeeded counts successful branches.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Failed counts failed branches.
func (r Report) Failed() int { return len(r.Results) - r.Succeeded() }

// ExitCode is 1 when any branch failed.
func (r Report) ExitCode() int {
	if r.Failed() > 0 {
		return 1
	}
	return 0
}

// Summary renders the report as plain text.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded, %d failed (%s)\n", r.Succeeded(), r.Failed(), r.Duration.Round(time.Second))
	for _, res := range r.Results {
		status := "ok"
		if !res.Success {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "  %-6s %s (iterations: %d)", status, res.Branch, res.Iterations)
		if res.PRURL != nil {
			fmt.Fprintf(&b, " %s", *res.PRURL)
		}
		if res.Error != nil {
			fmt.Fprintf(&b, ": %s", *res.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
