package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// fakeClient is an in-memory container engine.
type fakeClient struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	created    []CreateSpec
	execs      []ExecSpec
	kills      []string
	removed    []string
	nextID     int

	// execFn handles agent execs; firewall execs always succeed.
	execFn func(ctx context.Context, spec ExecSpec, out io.Writer) (int, error)
	// afterRestart is the status a container reports once restarted.
	afterRestart Status
	restartErr   error
	// statusSeq, when set for an id, is consumed one entry per Inspect.
	statusSeq map[string][]Status
}

type fakeContainer struct {
	spec   CreateSpec
	status Status
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers:   make(map[string]*fakeContainer),
		statusSeq:    make(map[string][]Status),
		afterRestart: StatusRunning,
	}
}

func (f *fakeClient) Create(_ context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%02d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec, status: StatusCreated}
	f.created = append(f.created, spec)
	return id, nil
}

func (f *fakeClient) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.status = StatusRunning
	return nil
}

func (f *fakeClient) Inspect(_ context.Context, id string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq := f.statusSeq[id]; len(seq) > 0 {
		f.statusSeq[id] = seq[1:]
		if c, ok := f.containers[id]; ok {
			c.status = seq[0]
		}
		return seq[0], nil
	}
	c, ok := f.containers[id]
	if !ok {
		return StatusUnknown, fmt.Errorf("no such container %s", id)
	}
	return c.status, nil
}

func (f *fakeClient) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	f.containers[id].status = f.afterRestart
	return nil
}

func (f *fakeClient) Unpause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id].status = StatusRunning
	return nil
}

func (f *fakeClient) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
	if c, ok := f.containers[id]; ok {
		c.status = StatusExited
	}
	return nil
}

func (f *fakeClient) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) ListManaged(context.Context) ([]Managed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []Managed
	for id, c := range f.containers {
		if c.spec.Labels[LabelManaged] == "true" {
			found = append(found, Managed{ID: id, WorkDir: c.spec.Labels[LabelWorkDir]})
		}
	}
	return found, nil
}

func (f *fakeClient) Exec(ctx context.Context, id string, spec ExecSpec, out io.Writer) (int, error) {
	f.mu.Lock()
	f.execs = append(f.execs, spec)
	fn := f.execFn
	f.mu.Unlock()
	if spec.User == "root" && len(spec.Cmd) == 3 && spec.Cmd[0] == "sh" {
		return 0, nil
	}
	if fn == nil {
		io.WriteString(out, "ok")
		return 0, nil
	}
	return fn(ctx, spec, out)
}

func (f *fakeClient) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
