package procinfo

import (
	"fmt"

	"shellbridge/internal/fault"
)

// DefaultMaxHops bounds the parent chain walk.
const DefaultMaxHops = 32

// Anchor is the ancestor a session is bound to.
type Anchor struct {
	Process Process
	Kind    Kind
	// Hops is the distance from the starting process; 1 is the parent.
	Hops int
}

// Walk follows parent links upward from pid and returns the nearest ancestor
// matching sig. It gives up after maxHops parents, at the root of the tree,
// or when the chain loops.
func Walk(src Source, sig *Signatures, pid, maxHops int) (Anchor, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if src == nil {
		return Anchor{}, fault.Wrap(fault.ErrSessionNotFound, "procinfo", "walk", "no process source", nil)
	}
	current, err := src.Process(pid)
	if err != nil {
		return Anchor{}, fault.Wrap(fault.ErrSessionNotFound, "procinfo", "walk", fmt.Sprintf("read pid %d", pid), err)
	}

	visited := map[int]struct{}{current.PID: {}}
	for hop := 1; hop <= maxHops; hop++ {
		parentPID := current.PPID
		if parentPID <= 0 {
			break
		}
		if _, loop := visited[parentPID]; loop {
			break
		}
		visited[parentPID] = struct{}{}

		parent, err := src.Process(parentPID)
		if err != nil {
			return Anchor{}, fault.Wrap(fault.ErrSessionNotFound, "procinfo", "walk",
				fmt.Sprintf("read ancestor pid %d at hop %d", parentPID, hop), err)
		}
		if kind, ok := sig.Match(parent); ok {
			return Anchor{Process: parent, Kind: kind, Hops: hop}, nil
		}
		current = parent
	}
	return Anchor{}, fault.Wrap(fault.ErrSessionNotFound, "procinfo", "walk",
		fmt.Sprintf("no shell or terminal ancestor within %d hops of pid %d", maxHops, pid), nil)
}
