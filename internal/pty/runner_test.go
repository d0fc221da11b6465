package pty

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreackPTY_ChildSeesTerminal(t *testing.T) {
	cmd := exec.Command("sh", "-c", `[ -t 1 ] && echo tty; stty size`)
	master, err := CreackPTY{}.Start(context.Background(), cmd, Size{Rows: 24, Cols: 100})
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer master.Close()

	var out strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(&out, master)
	}()
	require.NoError(t, cmd.Wait())
	master.Close()
	<-done

	assert.Contains(t, out.String(), "tty")
	assert.Contains(t, out.String(), "24 100")
}

func TestCreackPTY_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cmd := exec.Command("true")
	_, err := CreackPTY{}.Start(ctx, cmd, AgentSize)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, cmd.Process, "nothing was started")
}
