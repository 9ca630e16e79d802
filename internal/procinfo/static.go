package procinfo

import "fmt"

// StaticSource serves a canned process table.
type StaticSource struct {
	procs map[int]Process
}

// NewStaticSource indexes procs by PID.
func NewStaticSource(procs ...Process) *StaticSource {
	s := &StaticSource{procs: make(map[int]Process, len(procs))}
	for _, p := range procs {
		s.procs[p.PID] = p
	}
	return s
}

// Chain builds a source from a parent chain listed child first. Each entry's
// PPID is set to the next entry's PID; the last entry's PPID is left as is.
func Chain(procs ...Process) *StaticSource {
	linked := make([]Process, len(procs))
	copy(linked, procs)
	for i := 0; i < len(linked)-1; i++ {
		linked[i].PPID = linked[i+1].PID
	}
	return NewStaticSource(linked...)
}

func (s *StaticSource) Process(pid int) (Process, error) {
	p, ok := s.procs[pid]
	if !ok {
		return Process{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}
	return p, nil
}
