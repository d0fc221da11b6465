package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// Limits are the engine-level resource caps for a container. Zero means
// unlimited.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// ParseLimits converts human-readable limits ("8g", "2.5") into engine units.
func ParseLimits(memory, cpus string) (Limits, error) {
	var l Limits
	if m := strings.TrimSpace(memory); m != "" {
		b, err := units.RAMInBytes(m)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid memory limit %q: %w", memory, err)
		}
		if b <= 0 {
			return Limits{}, fmt.Errorf("invalid memory limit %q: must be positive", memory)
		}
		l.MemoryBytes = b
	}
	if c := strings.TrimSpace(cpus); c != "" {
		f, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid cpu limit %q: %w", cpus, err)
		}
		if f <= 0 {
			return Limits{}, fmt.Errorf("invalid cpu limit %q: must be positive", cpus)
		}
		l.NanoCPUs = int64(f * 1e9)
	}
	return l, nil
}
