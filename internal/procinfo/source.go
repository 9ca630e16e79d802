package procinfo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// tableSource reads the live process table through gopsutil, which covers
// procfs on Linux, sysctl on the BSDs and macOS, and the toolhelp snapshot on
// Windows.
type tableSource struct{}

func newPlatformSource() Source {
	return tableSource{}
}

func (tableSource) Process(pid int) (Process, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return Process{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}
	ctx := context.Background()
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Process{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
		}
		return Process{}, fmt.Errorf("open pid %d: %w", pid, err)
	}
	ppid, err := proc.PpidWithContext(ctx)
	if err != nil {
		return Process{}, fmt.Errorf("read ppid of %d: %w", pid, notRunning(pid, err))
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return Process{}, fmt.Errorf("read start time of %d: %w", pid, notRunning(pid, err))
	}

	p := Process{
		PID:  pid,
		PPID: int(ppid),
		// CreateTime is milliseconds since the epoch.
		StartTime: uint64(max(created, 0)),
	}
	if name, err := proc.NameWithContext(ctx); err == nil {
		p.Name = name
	}
	if exe, err := proc.ExeWithContext(ctx); err == nil {
		p.Exe = strings.TrimSuffix(exe, " (deleted)")
	}
	if args, err := proc.CmdlineSliceWithContext(ctx); err == nil {
		p.Args = args
	}
	if p.Name == "" && p.Exe == "" && len(p.Args) == 0 {
		return Process{}, fmt.Errorf("pid %d: no readable name", pid)
	}
	return p, nil
}

// notRunning maps a process that exited between lookups to ErrNoProcess.
func notRunning(pid int, err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}
	return err
}
