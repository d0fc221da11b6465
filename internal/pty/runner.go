// Package pty runs agent processes on a pseudo-terminal so CLIs that check
// isatty keep their interactive output format.
package pty

import (
	"context"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// Size is a terminal size in rows and columns.
type Size struct {
	Rows uint16
	Cols uint16
}

// AgentSize is wide enough that agents rarely wrap tool output.
var AgentSize = Size{Rows: 50, Cols: 200}

// Runner starts cmd with its stdio on a terminal and returns the master
// side, which yields everything the child writes.
type Runner interface {
	Start(ctx context.Context, cmd *exec.Cmd, size Size) (io.ReadCloser, error)
}

// CreackPTY is the Runner backed by github.com/creack/pty.
type CreackPTY struct{}

var _ Runner = CreackPTY{}

// Start spawns cmd. The caller owns the master and closes it after
// cmd.Wait returns.
func (CreackPTY) Start(ctx context.Context, cmd *exec.Cmd, size Size) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, err
	}
	return f, nil
}
