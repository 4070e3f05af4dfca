// Package credentials recovers the credential half a proc connector event
// does not carry, from the target process's /proc/PID/status record.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ErrNotFound means the process's status record could not be read or is
// missing the expected credential line, almost always because the process
// exited between the kernel notification and the lookup. Expected,
// non-fatal; the event is dropped.
var ErrNotFound = errors.New("process status not found")

// Snapshot is one credential quadruple (UIDs or GIDs) as recorded in the
// status file at lookup time: real, effective, saved, filesystem.
type Snapshot struct {
	Real       uint32
	Effective  uint32
	Saved      uint32
	Filesystem uint32
}

// Resolver reads point-in-time credential snapshots from a proc filesystem.
type Resolver struct {
	fs       procfs.FS
	procRoot string
}

// NewResolver mounts the resolver on the given proc root, normally "/proc".
func NewResolver(procRoot string) (*Resolver, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc filesystem %s: %w", procRoot, err)
	}
	return &Resolver{fs: fs, procRoot: procRoot}, nil
}

// UIDs returns the UID quadruple of pid.
func (r *Resolver) UIDs(pid int) (Snapshot, error) {
	status, err := r.status(pid)
	if err != nil {
		return Snapshot{}, err
	}
	snap := snapshotOf(status.UIDs)
	if snap == (Snapshot{}) && !r.hasLine(pid, "Uid:") {
		return Snapshot{}, fmt.Errorf("%w: pid %d: status record has no Uid line", ErrNotFound, pid)
	}
	return snap, nil
}

// GIDs returns the GID quadruple of pid.
func (r *Resolver) GIDs(pid int) (Snapshot, error) {
	status, err := r.status(pid)
	if err != nil {
		return Snapshot{}, err
	}
	snap := snapshotOf(status.GIDs)
	if snap == (Snapshot{}) && !r.hasLine(pid, "Gid:") {
		return Snapshot{}, fmt.Errorf("%w: pid %d: status record has no Gid line", ErrNotFound, pid)
	}
	return snap, nil
}

func (r *Resolver) status(pid int) (procfs.ProcStatus, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return procfs.ProcStatus{}, fmt.Errorf("%w: pid %d: %v", ErrNotFound, pid, err)
	}
	status, err := proc.NewStatus()
	if err != nil {
		return procfs.ProcStatus{}, fmt.Errorf("%w: pid %d: %v", ErrNotFound, pid, err)
	}
	return status, nil
}

// hasLine tells a genuinely all-zero quadruple (root processes) apart from a
// status record missing the label, which the parser leaves zero-valued. Only
// consulted for the ambiguous all-zero case.
func (r *Resolver) hasLine(pid int, label string) bool {
	data, err := os.ReadFile(filepath.Join(r.procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, label) {
			return true
		}
	}
	return false
}

func snapshotOf(ids [4]uint64) Snapshot {
	return Snapshot{
		Real:       uint32(ids[0]),
		Effective:  uint32(ids[1]),
		Saved:      uint32(ids[2]),
		Filesystem: uint32(ids[3]),
	}
}
