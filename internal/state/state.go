// Package state persists the loop's durable bookkeeping to a YAML file inside
// the working copy so a run can be inspected, cancelled from another process,
// and resumed after a crash.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Dir is the per-working-copy directory holding ralph's files.
const Dir = ".ralph"

// FileName is the state file name inside Dir.
const FileName = "state.yaml"

// ValidationErrorPrefix marks a stored last_error as a validation failure.
const ValidationErrorPrefix = "Validation error:"

// LockName is the lock file that serialises read-modify-write cycles on the
// state file across processes.
const LockName = "state.lock"

// ErrNotFound is returned by Load when no state file exists.
var ErrNotFound = errors.New("state file not found")

// ErrInactive is returned by SaveIfActive when the file on disk has been
// marked inactive.
var ErrInactive = errors.New("loop is no longer active")

// Mode selects which prompt the agent is driven with.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// ParseMode converts s to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePlan:
		return ModePlan, nil
	case ModeBuild:
		return ModeBuild, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want plan or build)", s)
	}
}

// LoopState is the persisted state of one loop run.
type LoopState struct {
	Active            bool       `yaml:"active" json:"active"`
	Mode              Mode       `yaml:"mode" json:"mode"`
	Iteration         int        `yaml:"iteration" json:"iteration"`
	MaxIterations     *int       `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	StartedAt         time.Time  `yaml:"started_at" json:"started_at"`
	LastIterationAt   *time.Time `yaml:"last_iteration_at,omitempty" json:"last_iteration_at,omitempty"`
	ErrorCount        int        `yaml:"error_count" json:"error_count"`
	ConsecutiveErrors int        `yaml:"consecutive_errors" json:"consecutive_errors"`
	LastError         *string    `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	LastCommit        *string    `yaml:"last_commit,omitempty" json:"last_commit,omitempty"`
	IdleIterations    int        `yaml:"idle_iterations" json:"idle_iterations"`
}

// New returns a fresh active state at iteration 1.
func New(mode Mode, maxIterations int, now time.Time) *LoopState {
	s := &LoopState{
		Active:    true,
		Mode:      mode,
		Iteration: 1,
		StartedAt: now.UTC(),
	}
	if maxIterations > 0 {
		m := maxIterations
		s.MaxIterations = &m
	}
	return s
}

// HasValidationError reports whether the stored last error came from the
// validation command.
func (s *LoopState) HasValidationError() bool {
	return s.LastError != nil && strings.HasPrefix(*s.LastError, ValidationErrorPrefix)
}

// ValidationOutput returns the validation diagnostics without the prefix.
func (s *LoopState) ValidationOutput() string {
	if !s.HasValidationError() {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(*s.LastError, ValidationErrorPrefix))
}

// Validate checks the structural invariants of a loaded state.
func (s *LoopState) Validate() error {
	if s.Iteration < 1 {
		return fmt.Errorf("iteration must be >= 1, got %d", s.Iteration)
	}
	if s.ConsecutiveErrors > s.ErrorCount {
		return fmt.Errorf("consecutive_errors (%d) exceeds error_count (%d)", s.ConsecutiveErrors, s.ErrorCount)
	}
	if s.MaxIterations != nil && *s.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1 when set, got %d", *s.MaxIterations)
	}
	return nil
}

// Store reads and writes the state file of a single working copy.
type Store struct {
	path string
}

// NewStore returns a Store rooted at workDir.
func NewStore(workDir string) *Store {
	return &Store{path: filepath.Join(workDir, Dir, FileName)}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether the state file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the state file. It returns ErrNotFound when the file is absent.
func (s *Store) Load() (*LoopState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st LoopState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", s.path, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state %s: %w", s.path, err)
	}
	return &st, nil
}

// Save writes st atomically: write to a temp file, then rename.
func (s *Store) Save(st *LoopState) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// SaveIfActive writes st only if the file on disk is still active. It
// returns ErrNotFound if the file was removed and ErrInactive if it was
// cancelled; in both cases the file is left untouched.
func (s *Store) SaveIfActive(st *LoopState) error {
	return s.withLock(func() error {
		disk, err := s.Load()
		if err != nil {
			return err
		}
		if !disk.Active {
			return ErrInactive
		}
		return s.Save(st)
	})
}

// Cancel flips active to false. It reports whether a running loop was
// actually cancelled; a missing or already inactive state is not an error.
func (s *Store) Cancel() (bool, error) {
	cancelled := false
	err := s.withLock(func() error {
		st, err := s.Load()
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !st.Active {
			return nil
		}
		st.Active = false
		if err := s.Save(st); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}

// withLock runs fn holding an exclusive flock on the lock file next to the
// state file.
func (s *Store) withLock(fn func() error) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()
	return fn()
}

// Clean removes the state file.
func (s *Store) Clean() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
