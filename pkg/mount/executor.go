package mount

import (
	"errors"
	"syscall"
)

// UnmountMode selects umount2 behaviour.
type UnmountMode int

const (
	UnmountNormal UnmountMode = iota
	UnmountForce
	UnmountDetach
)

// ErrBusy is returned by an Executor when the target is still in use.
var ErrBusy = errors.New("target busy")

// Executor is the privileged surface the orchestrator drives.
type Executor interface {
	Mount(source, target, fstype string, options []string) error
	Unmount(target string, mode UnmountMode) error
	IsMounted(target string) (bool, error)
	// MountsUnder lists mount points at or below base.
	MountsUnder(base string) ([]string, error)
	// Holders lists pids with open files, cwd or root inside target.
	Holders(target string) ([]int, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
	MkdirAll(path string) error
	Remove(path string) error
}
