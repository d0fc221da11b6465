package sandbox

import (
	"context"
	"io"
)

// Status is a container's runtime state as reported by the engine.
type Status string

const (
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusCreated    Status = "created"
	StatusDead       Status = "dead"
	StatusPaused     Status = "paused"
	StatusRestarting Status = "restarting"
	StatusRemoving   Status = "removing"
	StatusUnknown    Status = ""
)

// Labels applied to every container ralph creates.
const (
	LabelManaged    = "ralph.managed"
	LabelWorkDir    = "ralph.workdir"
	LabelPersistent = "ralph.persistent"
)

// WorkspaceMount is where the working copy is mounted inside containers.
const WorkspaceMount = "/workspace"

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name        string
	Image       string
	WorkDir     string // host directory bind-mounted at WorkspaceMount
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Limits      Limits
	NetworkMode string // "" for the engine default, "none" to disable networking
	CapAdd      []string
}

// ExecSpec describes a command to run inside a running container.
type ExecSpec struct {
	Cmd     []string
	Env     []string
	User    string
	WorkDir string
}

// Managed is a ralph-labelled container found on the engine.
type Managed struct {
	ID      string
	WorkDir string
}

// Client is the slice of the container engine the Manager needs.
type Client interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Status, error)
	Restart(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// ListManaged returns all containers labelled as ralph's.
	ListManaged(ctx context.Context) ([]Managed, error)
	// Exec runs spec to completion, writing demultiplexed stdout and stderr
	// to out, and returns the exit code.
	Exec(ctx context.Context, id string, spec ExecSpec, out io.Writer) (int, error)
}
