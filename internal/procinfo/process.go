package procinfo

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoProcess is returned by a Source when pid does not exist.
var ErrNoProcess = errors.New("no such process")

// Process is the subset of a process table entry the walker needs.
type Process struct {
	PID  int
	PPID int
	// Name is the kernel's short command name.
	Name string
	// Exe is the resolved executable path when readable.
	Exe  string
	Args []string
	// StartTime is an opaque, platform-specific start stamp. Together with PID
	// it identifies one process instance across PID reuse.
	StartTime uint64
}

// Candidates lists the names a signature may match: the short name, the
// executable basename, and argv[0]'s basename. Login shells drop their
// leading dash.
func (p Process) Candidates() []string {
	out := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	add := func(value string) {
		value = strings.TrimPrefix(strings.TrimSpace(value), "-")
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	add(p.Name)
	if p.Exe != "" {
		add(filepath.Base(p.Exe))
	}
	if len(p.Args) > 0 {
		add(filepath.Base(p.Args[0]))
	}
	return out
}

// Source reads process table entries. Implementations are selected per
// platform; tests use StaticSource.
type Source interface {
	Process(pid int) (Process, error)
}

var (
	defaultOnce   sync.Once
	defaultSource Source
)

// Default returns the platform Source. It is built once and never mutated.
func Default() Source {
	defaultOnce.Do(func() {
		defaultSource = newPlatformSource()
	})
	return defaultSource
}

// Alive reports whether pid still refers to the process instance that
// started at startTime.
func Alive(src Source, pid int, startTime uint64) bool {
	if src == nil || pid <= 0 {
		return false
	}
	p, err := src.Process(pid)
	if err != nil {
		return false
	}
	return startTime == 0 || p.StartTime == startTime
}
