package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker implements Client against the Docker Engine API.
type Docker struct {
	api *client.Client
}

var _ Client = (*Docker)(nil)

// NewDocker connects using the standard DOCKER_* environment variables.
func NewDocker() (*Docker, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{api: api}, nil
}

// Close releases the underlying HTTP transport.
func (d *Docker) Close() error { return d.api.Close() }

// Ping checks that the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		Labels:     spec.Labels,
		WorkingDir: WorkspaceMount,
		Tty:        false,
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkDir,
			Target: WorkspaceMount,
		}},
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: spec.Limits.NanoCPUs,
		},
		CapAdd: spec.CapAdd,
	}
	if spec.NetworkMode != "" {
		host.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	resp, err := d.api.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	return d.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *Docker) Inspect(ctx context.Context, id string) (Status, error) {
	resp, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return StatusUnknown, err
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return StatusUnknown, nil
	}
	return Status(resp.State.Status), nil
}

func (d *Docker) Restart(ctx context.Context, id string) error {
	return d.api.ContainerRestart(ctx, id, container.StopOptions{})
}

func (d *Docker) Unpause(ctx context.Context, id string) error {
	return d.api.ContainerUnpause(ctx, id)
}

func (d *Docker) Kill(ctx context.Context, id string) error {
	return d.api.ContainerKill(ctx, id, "KILL")
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *Docker) ListManaged(ctx context.Context) ([]Managed, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, err
	}
	found := make([]Managed, 0, len(list))
	for _, c := range list {
		found = append(found, Managed{ID: c.ID, WorkDir: c.Labels[LabelWorkDir]})
	}
	return found, nil
}

func (d *Docker) Exec(ctx context.Context, id string, spec ExecSpec, out io.Writer) (int, error) {
	created, err := d.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		User:         spec.User,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}
	hijacked, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer hijacked.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out, out, hijacked.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil && !errors.Is(err, io.EOF) {
			return -1, fmt.Errorf("exec stream: %w", err)
		}
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	info, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return info.ExitCode, nil
}
